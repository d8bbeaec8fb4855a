// Package session implements the securelink handshake state machine, the
// handshake retransmission ticker and the per-packet AEAD data path.
//
// A Session is created for one peer with a Role and a credential, and is
// driven entirely by its owner:
//
//	s, err := session.New(session.Initiator, crypto.GenerateCredential(), session.Callbacks{
//	    Send:    func(p []byte, ch transport.Channel) error { return link.Send(p, ch, peer) },
//	    Receive: func(p []byte, ch transport.Channel) { ... },
//	    Ready:   func() { ... },
//	    Error:   func(kind crypto.ErrorKind, msg string) { ... },
//	}, session.NewOptions())
//
//	_ = s.Start()                 // Initiator only; Tick also starts it
//	_ = s.OnReceiveRaw(pkt, ch)   // for every inbound packet
//	_ = s.Tick(time.Now())        // periodically until Ready
//	_ = s.Send([]byte("hello"), transport.Reliable)
//
// The Initiator sends HandshakeStart with its public key. The Responder
// picks a 512-bit salt, derives the session key and answers with
// HandshakeAck. The Initiator derives the same key and sends HandshakeFin.
// The Responder becomes Ready on HandshakeFin and sends an empty Data
// packet; the Initiator becomes Ready on the first Data packet that
// authenticates under the new key.
//
// Every fatal condition is reported once through Callbacks.Error with a
// crypto.ErrorKind, after which the session is unusable and the owner
// should create a new one.
package session
