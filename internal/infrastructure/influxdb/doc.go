// Package influxdb mirrors sent telemetry into a local InfluxDB bucket.
//
// It wraps the official influxdb-client-go v2 library. The mirror is optional:
// when influxdb.enabled is false, Connect returns ErrDisabled and the caller
// runs without it.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.RecordTelemetry("sensor-01", map[string]any{"temp": 71}, time.Now())
//
// Each reading becomes one point in the "telemetry" measurement, tagged with
// device_id, with one field per reading key.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched; failures are delivered to the SetOnError callback.
package influxdb
