package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// SignHMAC computes the HMAC-SHA256 of data under key.
func SignHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether sig is a valid HMAC-SHA256 of data under key,
// comparing in constant time.
func VerifyHMAC(key, data, sig []byte) bool {
	return hmac.Equal(sig, SignHMAC(key, data))
}

// RandomHex returns n random bytes hex-encoded (2n characters).
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DedupHash derives a stable 32-hex-character dedup key from its parts:
// the first 16 bytes of SHA-256 over the concatenated inputs.
func DedupHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
