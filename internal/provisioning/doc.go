// Package provisioning registers the device with the Device Provisioning
// Service over MQTT and reports which hub it was assigned to.
//
// A registration is a short-lived MQTT session:
//  1. CONNECT as "<idScope>/registrations/<regId>/api-version=2019-03-31"
//  2. SUBSCRIBE $dps/registrations/res/#
//  3. PUBLISH the register request
//  4. while the service answers "assigning", wait retry-after and poll the operation
//
// Failures are classified into ErrCredential, ErrConnectionFailed,
// ErrConnectionDropped, ErrClient and ErrUnknown. The client never retries a
// failed registration itself; that policy belongs to the session manager.
package provisioning
