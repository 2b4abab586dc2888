package credentials

import "errors"

// ErrEncoding is returned when a key is not valid base64.
var ErrEncoding = errors.New("credentials: key is not valid base64")
