package arbiter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

func sign(receipt Receipt, signatureSecret []byte) (string, error) {
	marshaledReceipt, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}

	h := hmac.New(sha256.New, signatureSecret)
	h.Write(marshaledReceipt)

	return hex.EncodeToString(h.Sum(nil)), nil
}

func SignReceipt(receipt Receipt, signatureSecret []byte) (*SignedReceipt, error) {
	signature, err := sign(receipt, signatureSecret)
	if err != nil {
		return nil, err
	}

	return &SignedReceipt{
		Receipt:   receipt,
		Signature: signature,
	}, nil
}

func VerifyReceipt(signed SignedReceipt, signatureSecret []byte) bool {
	signature, err := sign(signed.Receipt, signatureSecret)
	if err != nil {
		return false
	}

	return hmac.Equal([]byte(signed.Signature), []byte(signature))
}
