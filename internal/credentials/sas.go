package credentials

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SASToken builds a shared access signature for a resource URI.
//
// The signed string is the URL-escaped resource URI, a newline and the expiry
// in Unix seconds. keyName is appended as skn when non-empty; the provisioning
// service expects "registration", device-scoped hub tokens leave it empty.
//
// Parameters:
//   - resourceURI: e.g. "<idScope>/registrations/<regId>" or "<hub>/devices/<deviceId>"
//   - key: Base64 symmetric key
//   - keyName: Optional policy name
//   - expiry: Absolute token expiry
//
// Returns:
//   - string: "SharedAccessSignature sr=...&sig=...&se=..."
//   - error: ErrEncoding if key is not valid base64
func SASToken(resourceURI, key, keyName string, expiry time.Time) (string, error) {
	signingKey, err := decodeKey(key)
	if err != nil {
		return "", err
	}

	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(sign(signingKey, []byte(sr+"\n"+se)))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}
