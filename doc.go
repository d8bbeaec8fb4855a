// Package securelink establishes authenticated, encrypted sessions between
// peers over an unreliable datagram link.
//
// Two peers exchange P-256 public keys in a three-message handshake, derive
// a shared AES-256-GCM key with HKDF over the ECDH secret and a salt chosen
// by the responder, and then exchange Data packets sealed under that key.
// Every packet carries its own nonce, so loss, duplication and reordering
// on the link do not break decryption.
//
// # Getting Started
//
// Wrap a link in an Endpoint, register callbacks and dial a peer:
//
//	link, err := transport.NewUDPLink("0.0.0.0:7777")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ep, err := securelink.NewEndpoint(link, securelink.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ep.Close()
//
//	ep.OnReady(func(addr net.Addr, fingerprint string) {
//	    ep.Send(addr, []byte("hello"), transport.Reliable)
//	})
//
//	ep.OnReceive(func(addr net.Addr, data []byte, ch transport.Channel) {
//	    fmt.Printf("%s: %s\n", addr, data)
//	})
//
//	remote, _ := net.ResolveUDPAddr("udp", "peer.example.com:7777")
//	if err := ep.Dial(remote); err != nil {
//	    log.Fatal(err)
//	}
//
// An endpoint that only listens simply never calls Dial: the first
// HandshakeStart from a new address creates a responder session for it.
//
// # Trust
//
// By default any key is accepted and the handshake only protects against
// passive observers. Set Options.ValidateRemoteKey to pin peers by their
// key fingerprint (hex SHA-256 of the PKIX-encoded public key):
//
//	opts := securelink.NewOptions()
//	opts.ValidateRemoteKey = func(_ net.Addr, fp string, _ []byte) bool {
//	    return fp == trustedFingerprint
//	}
//
// # Persistent Keys
//
// Credentials default to a fresh key pair per session. To present a stable
// identity, load a key file for each session:
//
//	opts.Credentials = func() (*crypto.Credential, error) {
//	    return crypto.LoadCredential("node.key")
//	}
//
// # Deterministic Testing
//
// Set Options.TickInterval to a negative value and Options.Clock to a
// crypto.MockTimeProvider, then drive retransmission with Iterate. A
// transport.Loopback pair with Faults injects loss, duplication and
// reordering reproducibly.
//
// # Thread Safety
//
// Endpoint is safe for concurrent use. Callbacks run without internal
// locks held and may call back into the endpoint.
//
// # Packages
//
//   - [github.com/opd-ai/securelink/session]: the per-peer handshake state machine
//   - [github.com/opd-ai/securelink/crypto]: keys, key agreement, HKDF and AEAD
//   - [github.com/opd-ai/securelink/transport]: wire format and datagram links
package securelink
