package domain

import (
	"encoding/base64"

	"github.com/stellar/go/keypair"
)

// SignDocument signs a serialized trade document with the stellar key of the
// local party and returns the base64 encoded ed25519 signature.
func SignDocument(kp *keypair.Full, doc []byte) (string, error) {
	sig, err := kp.Sign(doc)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyDocument checks that sig is a signature of doc made by the stellar
// account with the given address.
func VerifyDocument(address string, doc []byte, sig string) error {
	kp, err := keypair.ParseAddress(address)
	if err != nil {
		return ErrInvalidStellarAddress
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if err := kp.Verify(doc, rawSig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
