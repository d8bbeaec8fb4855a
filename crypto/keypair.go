package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// Curve is the elliptic curve every credential and handshake uses.
var Curve = ecdh.P256()

// Credential is one endpoint identity: an ECDH key pair plus the
// serialized public key and its fingerprint.
//
// The private half is owned by whoever holds the Credential. A session
// consumes it during its handshake and calls Wipe once keys are derived.
type Credential struct {
	private     *ecdh.PrivateKey
	scalar      []byte
	public      []byte
	fingerprint string
}

// GenerateCredential creates a fresh P-256 key pair. Failure to read from
// the system randomness source is unrecoverable and panics.
func GenerateCredential() *Credential {
	priv, err := Curve.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("crypto: key generation failed: %v", err))
	}

	cred, err := newCredential(priv)
	if err != nil {
		panic(fmt.Sprintf("crypto: public key encoding failed: %v", err))
	}

	NewLogger("GenerateCredential").
		WithField("fingerprint", cred.fingerprint).
		Debug("Generated ephemeral credential")

	return cred
}

func newCredential(priv *ecdh.PrivateKey) (*Credential, error) {
	pub, err := MarshalPublicKey(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	return &Credential{
		private:     priv,
		scalar:      priv.Bytes(),
		public:      pub,
		fingerprint: Fingerprint(pub),
	}, nil
}

// PublicKey returns the DER-encoded public key that is sent on the wire.
func (c *Credential) PublicKey() []byte {
	out := make([]byte, len(c.public))
	copy(out, c.public)
	return out
}

// Fingerprint returns the hex SHA-256 digest of PublicKey.
func (c *Credential) Fingerprint() string { return c.fingerprint }

// HasPrivate reports whether the private scalar is still present.
func (c *Credential) HasPrivate() bool { return c.private != nil }

// Agree runs ECDH between the credential's private key and remote.
func (c *Credential) Agree(remote *ecdh.PublicKey) ([]byte, error) {
	if c.private == nil {
		return nil, NewError(KindKeyAgreementFailure, "private key already wiped", nil)
	}
	return Agree(c.private, remote)
}

// Wipe zeroes the private scalar and drops the private key. The public
// half and fingerprint remain usable. crypto/ecdh keeps its own copy of the
// scalar inside the dropped key, which is left to the garbage collector.
func (c *Credential) Wipe() {
	if c.scalar != nil {
		ZeroBytes(c.scalar)
	}
	c.scalar = nil
	c.private = nil
}

// MarshalPublicKey encodes pub as a PKIX (SubjectPublicKeyInfo) DER blob.
func MarshalPublicKey(pub *ecdh.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, NewError(KindMalformedKey, "encode public key", err)
	}
	return der, nil
}

// ParsePublicKey decodes a PKIX DER public key and checks that it lies on
// Curve. Any failure is reported as KindMalformedKey.
func ParsePublicKey(der []byte) (*ecdh.PublicKey, error) {
	if len(der) == 0 {
		return nil, NewError(KindMalformedKey, "empty public key", nil)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, NewError(KindMalformedKey, "parse public key", err)
	}

	var pub *ecdh.PublicKey
	switch k := parsed.(type) {
	case *ecdh.PublicKey:
		pub = k
	case interface {
		ECDH() (*ecdh.PublicKey, error)
	}:
		pub, err = k.ECDH()
		if err != nil {
			return nil, NewError(KindMalformedKey, "convert public key", err)
		}
	default:
		return nil, NewError(KindMalformedKey, fmt.Sprintf("unsupported key type %T", parsed), nil)
	}

	if pub.Curve() != Curve {
		return nil, NewError(KindMalformedKey, "public key is not on the expected curve", nil)
	}
	return pub, nil
}

// Fingerprint hashes a serialized public key with SHA-256 and returns the
// full digest hex-encoded.
func Fingerprint(serializedPublic []byte) string {
	sum := sha256.Sum256(serializedPublic)
	return hex.EncodeToString(sum[:])
}
