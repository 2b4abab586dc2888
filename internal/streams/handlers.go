package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/devicelink/internal/hub"
)

const (
	echoCommand = "echo"

	versionKey = "$version"

	ackStatusCompleted = "completed"
)

// errNoDesiredProperty is returned for a patch that only carries $version.
var errNoDesiredProperty = errors.New("desired patch has no property")

// unknownCommandBody is the JSON body returned for unsupported commands.
var unknownCommandBody = []byte(`"unknown command"`)

// commandResponse returns the status and body for a direct method.
func commandResponse(cmd hub.Command) (int, []byte) {
	if cmd.Name == echoCommand {
		return http.StatusOK, cmd.Payload
	}
	return http.StatusBadRequest, unknownCommandBody
}

type desiredAck struct {
	Value          json.RawMessage `json:"value"`
	StatusCode     int             `json:"statusCode"`
	Status         string          `json:"status"`
	DesiredVersion int             `json:"desiredVersion"`
}

// desiredAckPatch builds the reported patch acknowledging a desired patch.
//
// The acknowledged property is the first key in document order other than
// $version. Its value is the "value" member when the property is an object
// carrying one, otherwise the raw property value. The version comes from the
// document's $version, falling back to fallbackVersion from the topic.
func desiredAckPatch(payload []byte, fallbackVersion int) (string, []byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))

	tok, err := dec.Token()
	if err != nil {
		return "", nil, fmt.Errorf("decoding desired patch: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", nil, fmt.Errorf("decoding desired patch: not an object")
	}

	var (
		key     string
		value   json.RawMessage
		version = fallbackVersion
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return "", nil, fmt.Errorf("decoding desired patch: %w", err)
		}
		name, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return "", nil, fmt.Errorf("decoding desired patch member %q: %w", name, err)
		}

		switch {
		case name == versionKey:
			var v int
			if err := json.Unmarshal(raw, &v); err == nil {
				version = v
			}
		case key == "":
			key, value = name, raw
		}
	}
	if key == "" {
		return "", nil, errNoDesiredProperty
	}

	var wrapped struct {
		Value json.RawMessage `json:"value"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(value), []byte("{")) {
		if err := json.Unmarshal(value, &wrapped); err == nil && wrapped.Value != nil {
			value = wrapped.Value
		}
	}

	patch, err := json.Marshal(map[string]desiredAck{
		key: {
			Value:          value,
			StatusCode:     http.StatusOK,
			Status:         ackStatusCompleted,
			DesiredVersion: version,
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("encoding desired ack: %w", err)
	}
	return key, patch, nil
}

// reportedPatch builds {key: {"value": v}}.
func reportedPatch(key string, value any) ([]byte, error) {
	return json.Marshal(map[string]map[string]any{key: {"value": value}})
}
