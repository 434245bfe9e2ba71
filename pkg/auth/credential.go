package auth

import (
	"crypto/subtle"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// NewCredential returns a fresh node shared secret: 32 random bytes, base64.
func NewCredential() (string, error) {
	key, err := wgtypes.GenerateKey()
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// CredentialEqual compares secrets in constant time.
func CredentialEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
