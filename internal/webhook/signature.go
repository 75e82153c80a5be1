// ABOUTME: HMAC-SHA256 signature verification for Meta webhook payloads
// ABOUTME: Validates the X-Hub-Signature-256 header against the app secret

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// verifySignature checks the hex-encoded HMAC-SHA256 digest Meta sends in the
// X-Hub-Signature-256 header ("sha256=<hex>") against the raw request body.
// Error messages are safe to log; they never include the expected digest.
func verifySignature(secret, body []byte, signature string) error {
	if signature == "" {
		return errors.New("signature header missing")
	}

	hexSignature := strings.TrimPrefix(signature, "sha256=")
	signatureBytes, err := hex.DecodeString(hexSignature)
	if err != nil {
		return fmt.Errorf("invalid hex signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, signatureBytes) != 1 {
		return errors.New("signature mismatch")
	}
	return nil
}
