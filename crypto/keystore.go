package crypto

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// credentialFile is the on-disk layout of a persisted credential.
type credentialFile struct {
	PublicKeyFingerprint string
	PublicKey            string
	PrivateKey           string
}

// Save writes the credential as JSON to path with owner-only permissions.
// The write goes through a temporary file and a rename so a crash never
// leaves a half-written credential behind.
func (c *Credential) Save(path string) error {
	if c.private == nil {
		return NewError(KindMalformedKey, "cannot save a credential whose private key was wiped", nil)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(c.private)
	if err != nil {
		return NewError(KindMalformedKey, "encode private key", err)
	}
	defer ZeroBytes(privDER)

	doc := credentialFile{
		PublicKeyFingerprint: c.fingerprint,
		PublicKey:            base64.StdEncoding.EncodeToString(c.public),
		PrivateKey:           base64.StdEncoding.EncodeToString(privDER),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create credential directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Credential.Save",
		"path":        path,
		"fingerprint": c.fingerprint,
	}).Info("Credential saved")

	return nil
}

// LoadCredential reads a credential written by Save. The fingerprint is
// recomputed from the stored public key and must match the stored one;
// the private key must also correspond to the stored public key.
func LoadCredential(path string) (*Credential, error) {
	logger := NewLogger("LoadCredential").WithField("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	var doc credentialFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, NewError(KindMalformedKey, "decode credential file", err)
	}

	pubDER, err := base64.StdEncoding.DecodeString(doc.PublicKey)
	if err != nil {
		return nil, NewError(KindMalformedKey, "decode public key field", err)
	}

	if got := Fingerprint(pubDER); got != doc.PublicKeyFingerprint {
		logger.WithFields(logrus.Fields{
			"stored":     doc.PublicKeyFingerprint,
			"recomputed": got,
		}).Error("Credential fingerprint mismatch")
		return nil, NewError(KindFingerprintMismatch,
			fmt.Sprintf("stored %q, recomputed %q", doc.PublicKeyFingerprint, got), nil)
	}

	privDER, err := base64.StdEncoding.DecodeString(doc.PrivateKey)
	if err != nil {
		return nil, NewError(KindMalformedKey, "decode private key field", err)
	}
	defer ZeroBytes(privDER)

	priv, err := parsePrivateKey(privDER)
	if err != nil {
		return nil, err
	}

	cred, err := newCredential(priv)
	if err != nil {
		return nil, err
	}
	if cred.fingerprint != doc.PublicKeyFingerprint {
		cred.Wipe()
		return nil, NewError(KindMalformedKey, "private key does not match stored public key", nil)
	}

	logger.WithField("fingerprint", cred.fingerprint).Debug("Credential loaded")
	return cred, nil
}

func parsePrivateKey(der []byte) (*ecdh.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, NewError(KindMalformedKey, "parse private key", err)
	}

	var priv *ecdh.PrivateKey
	switch k := parsed.(type) {
	case *ecdh.PrivateKey:
		priv = k
	case interface {
		ECDH() (*ecdh.PrivateKey, error)
	}:
		priv, err = k.ECDH()
		if err != nil {
			return nil, NewError(KindMalformedKey, "convert private key", err)
		}
	default:
		return nil, NewError(KindMalformedKey, fmt.Sprintf("unsupported key type %T", parsed), nil)
	}

	if priv.Curve() != Curve {
		return nil, NewError(KindMalformedKey, "private key is not on the expected curve", nil)
	}
	return priv, nil
}
