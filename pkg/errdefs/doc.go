/*
Package errdefs defines Paddock's error taxonomy.

Every error that can cross the API boundary carries a Code, a human message,
and optional structured Details. Internal packages create coded errors at the
point where the class is known (the executor knows a dial failure from a
command timeout, the compose validator knows a cycle) and wrap freely with
fmt.Errorf("...: %w", err) above that point; the API layer maps whatever
arrives to an HTTP status with HTTPStatus.

# Codes

	INVALID_ARGUMENT     400  validation failures, field info in details
	UNAUTHORIZED         401  missing or wrong bearer token
	NOT_FOUND            404  entity lookup misses
	NAME_CONFLICT        409  machine/container/deployment name reuse
	CONFLICT             409  state conflicts (remove running without force)
	DEPENDENCY_CYCLE     422  compose graph cycles, path in details
	RATE_LIMITED         429  API limiter
	SSH_CONNECT_FAILED   502  dial or auth failure reaching a machine
	HOSTKEY_MISMATCH     502  pinned host key differs, never auto-healed
	SSH_COMMAND_TIMEOUT  504  remote command deadline, partial output in details
	DOCKER_UNREACHABLE   502  daemon down on the target machine
	IMAGE_PULL_FAILED    502  pull failure, stderr tail in details
	UNAVAILABLE          503  a backing dependency (postgres, redis) is down
	INTERNAL             500  everything unclassified

A remote command exiting nonzero is not an error in this taxonomy; exit codes
travel as data in the executor's Result.

# Usage

	if m == nil {
		return errdefs.NotFound("machine", id)
	}

	return errdefs.Wrap(err, errdefs.CodeSSHConnectFailed, "dialing "+target.Host).
		WithDetail("machine_id", target.MachineID)

	status := errdefs.HTTPStatus(err) // at the API boundary
*/
package errdefs
