// Package devicetoken issues and verifies the enrollment tokens devices
// present on every request to the control plane. Tokens are fernet
// tokens over the device id, signed with a server-side key kept in the
// settings table, so they survive restarts without any external secret
// management.
package devicetoken

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/otaplane/internal/database"
)

// TTL is the token lifetime. Devices re-register on startup, so a long
// TTL only bounds how stale a stolen token can be.
const TTL = 90 * 24 * time.Hour

func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting("fernet_key")
	if err != nil {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting("fernet_key", keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Issue returns a new enrollment token for the given device id.
func Issue(deviceID string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(deviceID), key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}

// Verify checks the token and returns the device id it was issued for.
func Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), TTL, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("invalid token")
	}
	return string(msg), nil
}
