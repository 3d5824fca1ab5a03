/*
Package keyvault encrypts SSH private keys at rest.

Machine records persist their private keys only as AES-256-GCM ciphertext
produced by this package. Plaintext key material exists in memory just long
enough to parse a signer during an SSH dial, then gets zeroed.

# Properties

  - AES-256-GCM with a random nonce per encryption, nonce prepended,
    base64-encoded for storage in text columns and JSON
  - Authenticated: any tampering with stored ciphertext fails decryption
  - Master key is 32 raw bytes or derived from a passphrase via SHA-256

# Usage

	vault, err := keyvault.NewFromPassword(cfg.Vault.Passphrase)
	...
	enc, err := vault.Encrypt(pemBytes)     // at registration
	...
	err = vault.DecryptTo(m.KeyEnc, func(pem []byte) error {
		signer, err := ssh.ParsePrivateKey(pem)
		...
	})                                       // at dial, plaintext zeroed after
*/
package keyvault
