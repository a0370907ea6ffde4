package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader carries the HMAC of a serialized audit event.
const SignatureHeader = "x-audit-signature"

// Sign calculates the base64 HMAC-SHA256 of payload.
func Sign(payload, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload, secret []byte, signature string) bool {
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), expected)
}
