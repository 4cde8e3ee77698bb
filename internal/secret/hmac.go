package secret

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const hmacScheme = "hmacsha256"

var ErrMalformedHash = errors.New("malformed hash")

// HMACHash hashes a bus user password as hmacsha256$<salt>$<mac>, keying the
// MAC with a random salt.
func HMACHash(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hmacScheme + "$" + b64(salt) + "$" + b64(mac(salt, password)), nil
}

// CheckHMAC reports whether password matches encoded. The comparison is
// constant time in the MAC length.
func CheckHMAC(password, encoded string) bool {
	salt, sum, err := splitHMAC(encoded)
	if err != nil {
		// still spend the MAC so unknown formats cost the same
		_ = mac([]byte("x"), password)
		return false
	}
	return hmac.Equal(mac(salt, password), sum)
}

func mac(key []byte, password string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(password))
	return h.Sum(nil)
}

func splitHMAC(encoded string) (salt, sum []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != hmacScheme {
		return nil, nil, ErrMalformedHash
	}
	if salt, err = unb64(parts[1]); err != nil {
		return nil, nil, ErrMalformedHash
	}
	if sum, err = unb64(parts[2]); err != nil {
		return nil, nil, ErrMalformedHash
	}
	return salt, sum, nil
}

func b64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }
