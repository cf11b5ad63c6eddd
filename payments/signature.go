package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

const SignatureHeader = "x-paystack-signature"

// VerifySignature validates a webhook body against its HMAC-SHA512 hex signature.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(sign(body, secret), sigBytes)
}

// Sign returns the hex signature the gateway would send for body.
func Sign(body []byte, secret string) string {
	return hex.EncodeToString(sign(body, secret))
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
