// Package crypto implements the cryptographic primitives behind securelink
// sessions.
//
// It covers four concerns:
//
//   - [Credential]: an ephemeral or persisted P-256 key pair, its PKIX DER
//     public encoding and SHA-256 fingerprint, saved as JSON by
//     [Credential.Save] and restored by [LoadCredential].
//   - [Engine] and [EnginePool]: AES-256-GCM with a 96-bit nonce and a
//     128-bit tag. Engines are fully rekeyed by [Engine.Init] before every
//     operation and reset when returned to the pool.
//   - [Agree] and [Derive]: ECDH followed by HKDF with a 512-bit salt and a
//     domain-separation info tag. The HKDF hash is a flynn/noise HashFunc.
//   - [Error] and [ErrorKind]: the error taxonomy shared with the session
//     layer. Errors from the standard library primitives never escape
//     without being wrapped in an [Error].
//
// Example:
//
//	cred := crypto.GenerateCredential()
//	fmt.Println("fingerprint:", cred.Fingerprint())
//
//	key, err := crypto.Derive(nil, shared, salt, crypto.DefaultInfoTag)
//	if err != nil {
//	    return err
//	}
//	ct, err := crypto.Encrypt(key, nonce, []byte("hello"))
//
// Build with -tags securelinkdebug to turn on engine sizing and
// reinitialisation assertions.
package crypto
