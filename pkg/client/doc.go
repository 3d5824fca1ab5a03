/*
Package client is the typed HTTP client for the control plane API. The
CLI is its main consumer, but it works as a plain Go library too.

Every method mirrors one API route. Error responses are decoded back
into errdefs errors, so a 404 from the server satisfies
errdefs.IsNotFound on the caller's side exactly like a local call
would.

	c, err := client.New("http://127.0.0.1:8420", token)
	if err != nil {
		return err
	}
	machines, err := c.ListMachines(ctx)
*/
package client
