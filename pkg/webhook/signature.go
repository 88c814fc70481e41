package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultSecret signs deliveries to endpoints without a secret. It offers no
// confidentiality and receivers should not rely on it.
const DefaultSecret = "default-secret"

const signaturePrefix = "sha256="

// Sign returns the lowercase hex HMAC-SHA256 of body.
func Sign(body []byte, secret string) string {
	if secret == "" {
		secret = DefaultSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader is the value of the signature header for body.
func SignatureHeader(body []byte, secret string) string {
	return signaturePrefix + Sign(body, secret)
}

// Verify checks a signature header, with or without the sha256= prefix,
// against the exact bytes that were received.
func Verify(body []byte, secret, header string) bool {
	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(Sign(body, secret))
	return hmac.Equal(expected, provided)
}
