package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// DeriveDeviceKey computes the device key for an enrollment group member.
//
// The result is base64(HMAC-SHA256(base64decode(groupKey), registrationID)),
// the scheme used by group enrollments with symmetric keys.
//
// Parameters:
//   - registrationID: Device registration id (used verbatim as UTF-8 bytes)
//   - groupKey: Base64 enrollment group key
//
// Returns:
//   - string: Base64 device key
//   - error: ErrEncoding if groupKey is not valid base64
func DeriveDeviceKey(registrationID, groupKey string) (string, error) {
	signingKey, err := decodeKey(groupKey)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(sign(signingKey, []byte(registrationID))), nil
}

// decodeKey decodes a base64 key, wrapping failures in ErrEncoding.
func decodeKey(key string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return decoded, nil
}

func sign(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
