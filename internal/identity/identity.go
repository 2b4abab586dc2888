package identity

import (
	"fmt"

	"github.com/nerrad567/devicelink/internal/credentials"
	"github.com/nerrad567/devicelink/internal/infrastructure/config"
)

// Device identifies this device towards the provisioning service.
// It is immutable after load.
type Device struct {
	IDScope        string
	RegistrationID string
	ModelID        string
}

// AuthMode is the resolved authentication method.
// Implementations: SharedSecret, DerivedGroupSecret, Certificate.
type AuthMode interface {
	// Name returns the configuration name of the mode.
	Name() string

	authMode()
}

// SecretAuth is implemented by the modes that authenticate with a device symmetric key.
type SecretAuth interface {
	AuthMode

	// DeviceKey returns the base64 key used to sign SAS tokens.
	DeviceKey() string
}

// SharedSecret authenticates with the device's own symmetric key.
type SharedSecret struct {
	Key string
}

// DerivedGroupSecret authenticates with a key derived from an enrollment group key.
// Derived holds the per-device key computed by Resolve.
type DerivedGroupSecret struct {
	GroupKey string
	Derived  string
}

// Certificate authenticates with an X.509 client certificate.
type Certificate struct {
	CertFile   string
	KeyFile    string
	PassPhrase string
}

func (SharedSecret) Name() string       { return config.AuthModeSymmetricKey }
func (DerivedGroupSecret) Name() string { return config.AuthModeGroupKey }
func (Certificate) Name() string        { return config.AuthModeX509 }

func (SharedSecret) authMode()       {}
func (DerivedGroupSecret) authMode() {}
func (Certificate) authMode()        {}

// DeviceKey implements SecretAuth.
func (s SharedSecret) DeviceKey() string { return s.Key }

// DeviceKey implements SecretAuth.
func (d DerivedGroupSecret) DeviceKey() string { return d.Derived }

// FromConfig builds the device identity from configuration.
func FromConfig(cfg config.DeviceConfig) Device {
	return Device{
		IDScope:        cfg.IDScope,
		RegistrationID: cfg.RegistrationID,
		ModelID:        cfg.ModelID,
	}
}

// Resolve converts the auth section into a single AuthMode.
//
// Group keys are derived into the device key here, so no component needs to
// mutate configuration later.
//
// Parameters:
//   - cfg: Auth configuration
//   - registrationID: Registration id used for group key derivation
//
// Returns:
//   - AuthMode: Exactly one resolved mode
//   - error: ErrInvalidAuth for unknown or incomplete modes, credentials.ErrEncoding for bad keys
func Resolve(cfg config.AuthConfig, registrationID string) (AuthMode, error) {
	switch cfg.Mode {
	case config.AuthModeSymmetricKey:
		if cfg.SymmetricKey == "" {
			return nil, fmt.Errorf("%w: symmetric key is empty", ErrInvalidAuth)
		}
		return SharedSecret{Key: cfg.SymmetricKey}, nil

	case config.AuthModeGroupKey:
		if cfg.GroupKey == "" {
			return nil, fmt.Errorf("%w: group key is empty", ErrInvalidAuth)
		}
		derived, err := credentials.DeriveDeviceKey(registrationID, cfg.GroupKey)
		if err != nil {
			return nil, fmt.Errorf("deriving device key: %w", err)
		}
		return DerivedGroupSecret{GroupKey: cfg.GroupKey, Derived: derived}, nil

	case config.AuthModeX509:
		if cfg.X509.CertFile == "" || cfg.X509.KeyFile == "" {
			return nil, fmt.Errorf("%w: certificate and key files are required", ErrInvalidAuth)
		}
		if cfg.GroupKey != "" {
			return nil, fmt.Errorf("%w: x509 cannot be combined with a group key", ErrInvalidAuth)
		}
		return Certificate{
			CertFile:   cfg.X509.CertFile,
			KeyFile:    cfg.X509.KeyFile,
			PassPhrase: cfg.X509.PassPhrase,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidAuth, cfg.Mode)
	}
}
