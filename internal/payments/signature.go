package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignTopUp returns the hex HMAC-SHA256 of "providerOrderID|paymentID".
func SignTopUp(secret, providerOrderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.TrimSpace(providerOrderID) + "|" + strings.TrimSpace(paymentID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTopUpSignature compares the client-supplied signature in constant time.
func VerifyTopUpSignature(secret, providerOrderID, paymentID, signature string) bool {
	if secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(SignTopUp(secret, providerOrderID, paymentID))
	return hmac.Equal(got, want)
}
