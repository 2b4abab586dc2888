package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Topic prefixes used by the provisioning service and the IoT hub.
const (
	// TopicPrefixDPS is the base for all provisioning topics.
	TopicPrefixDPS = "$dps/registrations"

	// TopicPrefixTwin is the base for device twin topics.
	TopicPrefixTwin = "$iothub/twin"

	// TopicPrefixMethods is the base for direct method topics.
	TopicPrefixMethods = "$iothub/methods"
)

// ErrMalformedTopic is returned when an inbound topic does not have the expected shape.
var ErrMalformedTopic = errors.New("mqtt: malformed topic")

// Topics provides builders for provisioning and hub MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	topics.MethodResponse(200, "7")
//	// Returns: "$iothub/methods/res/200/?$rid=7"
type Topics struct{}

// =============================================================================
// Provisioning Topics
// =============================================================================

// DPSResponses returns the pattern matching every provisioning response.
//
// Pattern: $dps/registrations/res/#
func (Topics) DPSResponses() string {
	return TopicPrefixDPS + "/res/#"
}

// DPSRegister returns the registration request topic.
//
// Example: $dps/registrations/PUT/iotdps-register/?$rid=1
func (Topics) DPSRegister(requestID string) string {
	return fmt.Sprintf("%s/PUT/iotdps-register/?$rid=%s", TopicPrefixDPS, requestID)
}

// DPSOperationStatus returns the topic used to poll an in-progress registration.
//
// Example: $dps/registrations/GET/iotdps-get-operationstatus/?$rid=2&operationId=4.abc
func (Topics) DPSOperationStatus(requestID, operationID string) string {
	return fmt.Sprintf("%s/GET/iotdps-get-operationstatus/?$rid=%s&operationId=%s",
		TopicPrefixDPS, requestID, url.QueryEscape(operationID))
}

// =============================================================================
// Hub Topics
// =============================================================================

// Telemetry returns the device-to-cloud topic with properties encoded in the suffix.
// Properties are sorted by key so the topic is stable.
//
// Example: devices/sensor-01/messages/events/%24.ce=utf-8&%24.ct=application%2Fjson
func (Topics) Telemetry(deviceID string, properties map[string]string) string {
	topic := fmt.Sprintf("devices/%s/messages/events/", deviceID)
	if len(properties) == 0 {
		return topic
	}

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(properties[k]))
	}
	return topic + strings.Join(parts, "&")
}

// CloudToDevice returns the pattern matching cloud-to-device messages for a device.
//
// Pattern: devices/sensor-01/messages/devicebound/#
func (Topics) CloudToDevice(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/devicebound/#", deviceID)
}

// MethodRequests returns the pattern matching every direct method invocation.
//
// Pattern: $iothub/methods/POST/#
func (Topics) MethodRequests() string {
	return TopicPrefixMethods + "/POST/#"
}

// MethodResponse returns the topic used to answer a direct method.
//
// Example: $iothub/methods/res/200/?$rid=7
func (Topics) MethodResponse(status int, requestID string) string {
	return fmt.Sprintf("%s/res/%d/?$rid=%s", TopicPrefixMethods, status, requestID)
}

// TwinResponses returns the pattern matching twin operation responses.
//
// Pattern: $iothub/twin/res/#
func (Topics) TwinResponses() string {
	return TopicPrefixTwin + "/res/#"
}

// TwinDesiredPatches returns the pattern matching desired property notifications.
//
// Pattern: $iothub/twin/PATCH/properties/desired/#
func (Topics) TwinDesiredPatches() string {
	return TopicPrefixTwin + "/PATCH/properties/desired/#"
}

// TwinReportedPatch returns the topic used to update reported properties.
//
// Example: $iothub/twin/PATCH/properties/reported/?$rid=3
func (Topics) TwinReportedPatch(requestID string) string {
	return fmt.Sprintf("%s/PATCH/properties/reported/?$rid=%s", TopicPrefixTwin, requestID)
}

// =============================================================================
// Parsers
// =============================================================================

// Response is the status line carried in a response topic.
type Response struct {
	Status     int
	RequestID  string
	Version    int
	RetryAfter time.Duration
}

// ParseResponse parses "<prefix>/res/<status>/?$rid=<rid>[&$version=<v>][&retry-after=<s>]".
// It serves both provisioning and twin responses.
func ParseResponse(topic string) (Response, error) {
	path, query, err := splitQuery(topic)
	if err != nil {
		return Response{}, err
	}

	idx := strings.Index(path, "/res/")
	if idx < 0 {
		return Response{}, fmt.Errorf("%w: %q has no response status", ErrMalformedTopic, topic)
	}
	status, err := strconv.Atoi(strings.Trim(path[idx+len("/res/"):], "/"))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %q has non-numeric status", ErrMalformedTopic, topic)
	}

	resp := Response{Status: status, RequestID: query.Get("$rid")}
	if v := query.Get("$version"); v != "" {
		resp.Version, _ = strconv.Atoi(v)
	}
	if v := query.Get("retry-after"); v != "" {
		if secs, convErr := strconv.Atoi(v); convErr == nil && secs > 0 {
			resp.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return resp, nil
}

// ParseMethodRequest extracts the method name and request id from
// "$iothub/methods/POST/<name>/?$rid=<rid>".
func ParseMethodRequest(topic string) (name, requestID string, err error) {
	path, query, err := splitQuery(topic)
	if err != nil {
		return "", "", err
	}

	prefix := TopicPrefixMethods + "/POST/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", fmt.Errorf("%w: %q is not a method request", ErrMalformedTopic, topic)
	}
	name = strings.Trim(strings.TrimPrefix(path, prefix), "/")
	requestID = query.Get("$rid")
	if name == "" || requestID == "" {
		return "", "", fmt.Errorf("%w: %q lacks method name or request id", ErrMalformedTopic, topic)
	}
	return name, requestID, nil
}

// ParseDesiredVersion extracts $version from a desired property notification topic.
// Returns 0 if the topic carries no version.
func ParseDesiredVersion(topic string) int {
	_, query, err := splitQuery(topic)
	if err != nil {
		return 0
	}
	v, _ := strconv.Atoi(query.Get("$version"))
	return v
}

// ParseCloudToDeviceProperties decodes the property bag that follows
// "devices/<id>/messages/devicebound/".
func ParseCloudToDeviceProperties(topic string) map[string]string {
	const marker = "/messages/devicebound/"
	idx := strings.Index(topic, marker)
	if idx < 0 {
		return map[string]string{}
	}

	props := make(map[string]string)
	values, err := url.ParseQuery(topic[idx+len(marker):])
	if err != nil {
		return props
	}
	for k := range values {
		props[k] = values.Get(k)
	}
	return props
}

// splitQuery splits "path/?a=b" into its path and decoded query.
func splitQuery(topic string) (string, url.Values, error) {
	path, rawQuery, found := strings.Cut(topic, "?")
	if !found {
		return topic, url.Values{}, nil
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q: %w", ErrMalformedTopic, topic, err)
	}
	return path, query, nil
}
