package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the lower-case hex HMAC-SHA256 of challenge keyed by secret.
func Sign(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks response against the expected signature in constant time.
func Verify(secret, challenge, response string) bool {
	expected := Sign(secret, challenge)
	return hmac.Equal([]byte(expected), []byte(response))
}
