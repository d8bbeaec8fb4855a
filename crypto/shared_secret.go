package crypto

import (
	"crypto/ecdh"

	"github.com/sirupsen/logrus"
)

// Agree computes the ECDH shared secret between a local private key and a
// remote public key. An unusable remote point is reported as
// KindKeyAgreementFailure; the primitive's own error is kept only as the
// cause.
func Agree(private *ecdh.PrivateKey, remote *ecdh.PublicKey) ([]byte, error) {
	if private == nil || remote == nil {
		return nil, NewError(KindKeyAgreementFailure, "missing key", nil)
	}
	if remote.Curve() != private.Curve() {
		return nil, NewError(KindKeyAgreementFailure, "curve mismatch", nil)
	}

	shared, err := private.ECDH(remote)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Agree",
			"error":    err.Error(),
		}).Warn("ECDH computation failed")
		return nil, NewError(KindKeyAgreementFailure, "ecdh", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Agree",
	}).Debug("Shared secret computed")

	return shared, nil
}
