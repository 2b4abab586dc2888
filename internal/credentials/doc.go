// Package credentials derives device keys and signs shared access signature
// (SAS) tokens for the provisioning service and the IoT hub.
//
// Keys are exchanged as standard base64 strings. Every function is pure and
// safe for concurrent use.
//
//	key, err := credentials.DeriveDeviceKey("sensor-01", groupKey)
//	token, err := credentials.SASToken(scope+"/registrations/sensor-01", key, "registration", time.Now().Add(time.Hour))
package credentials
