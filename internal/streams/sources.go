package streams

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devicelink/internal/infrastructure/config"
)

// TelemetrySource produces one telemetry reading.
type TelemetrySource interface {
	Telemetry() map[string]any
}

// ValueSource produces a reported property value of the given kind
// (config.PropertyKindBool, PropertyKindNumber or PropertyKindString).
type ValueSource interface {
	Value(kind string) any
}

// TelemetryRecorder keeps a local copy of sent telemetry.
type TelemetryRecorder interface {
	RecordTelemetry(deviceID string, fields map[string]any, at time.Time)
}

const (
	alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// stringValueLength is the length of generated string property values.
	stringValueLength = 32
)

// RandomSource generates simulated readings and property values.
// It implements both TelemetrySource and ValueSource.
type RandomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSource returns a source seeded from seed.
func NewRandomSource(seed uint64) *RandomSource {
	return &RandomSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Telemetry returns {"temp": 60..94, "humidity": 10..99}.
func (r *RandomSource) Telemetry() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"temp":     60 + r.rng.IntN(35),
		"humidity": 10 + r.rng.IntN(90),
	}
}

// Value returns a bool, an int in 0..99, or a 32-character alphanumeric string.
// Unknown kinds yield nil.
func (r *RandomSource) Value(kind string) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch kind {
	case config.PropertyKindBool:
		return r.rng.IntN(2) == 1
	case config.PropertyKindNumber:
		return r.rng.IntN(100)
	case config.PropertyKindString:
		var b strings.Builder
		b.Grow(stringValueLength)
		for i := 0; i < stringValueLength; i++ {
			b.WriteByte(alphanumeric[r.rng.IntN(len(alphanumeric))])
		}
		return b.String()
	default:
		return nil
	}
}
