// devicelink - IoT device session orchestrator
//
// devicelink provisions a device through the Azure Device Provisioning
// Service, caches the assignment, connects to the assigned IoT Hub over MQTT
// and then runs the device's streams (telemetry, reported properties, desired
// property acknowledgements, direct methods and cloud-to-device messages)
// until the operator asks it to stop with Ctrl+C, SIGTERM or "q" on stdin.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nerrad567/devicelink/internal/api"
	"github.com/nerrad567/devicelink/internal/credcache"
	"github.com/nerrad567/devicelink/internal/hub"
	"github.com/nerrad567/devicelink/internal/identity"
	"github.com/nerrad567/devicelink/internal/infrastructure/config"
	"github.com/nerrad567/devicelink/internal/infrastructure/database"
	"github.com/nerrad567/devicelink/internal/infrastructure/influxdb"
	"github.com/nerrad567/devicelink/internal/infrastructure/logging"
	"github.com/nerrad567/devicelink/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicelink/internal/provisioning"
	"github.com/nerrad567/devicelink/internal/session"
	"github.com/nerrad567/devicelink/internal/shutdown"
	"github.com/nerrad567/devicelink/internal/streams"
	"github.com/nerrad567/devicelink/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// releaseTimeout bounds session teardown after the workers stop.
const releaseTimeout = 10 * time.Second

// console is where the operator types "q". Replaced in tests.
var console io.Reader = os.Stdin

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Parent context; cancelling it is treated like an operator stop
//
// Returns:
//   - error: nil on operator-requested shutdown, or the failure that ended the run
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting devicelink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	device := identity.FromConfig(cfg.Device)
	auth, err := identity.Resolve(cfg.Auth, device.RegistrationID)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	log.Info("device identity resolved",
		"registration_id", device.RegistrationID,
		"auth_mode", auth.Name(),
	)

	coord := shutdown.New(ctx)
	defer coord.Stop()
	coord.WatchSignals()
	go coord.WatchConsole(console)

	// The database backs the sqlite credential cache only.
	var db *database.DB
	if cfg.Cache.Enabled && cfg.Cache.Backend == config.CacheBackendSQLite {
		db, err = database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database ready", "path", cfg.Database.Path)
	}

	var cache credcache.Cache
	if cfg.Cache.Enabled {
		cache, err = credcache.Open(cfg.Cache, device.RegistrationID, db, log)
		if err != nil {
			return fmt.Errorf("opening credential cache: %w", err)
		}
		if closer, ok := cache.(io.Closer); ok {
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					log.Error("error closing credential cache", "error", closeErr)
				}
			}()
		}
		log.Info("credential cache enabled", "backend", cfg.Cache.Backend)
	} else {
		log.Info("credential cache disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB mirror connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	dial := transportDialer(log)
	provisioner := provisioning.NewClient(provisioning.Options{
		Host:          cfg.Transport.ProvisioningHost,
		UseWebsockets: cfg.Transport.UseWebsockets,
		TokenTTL:      cfg.GetTokenTTL(),
		Dial:          dial,
		Logger:        log,
	})

	manager := session.NewManager(session.Options{
		Device:      device,
		Auth:        auth,
		Cache:       cache,
		Provisioner: provisioner,
		Hub: hub.Params{
			UseWebsockets: cfg.Transport.UseWebsockets,
			KeepAlive:     time.Duration(cfg.Transport.KeepAlive) * time.Second,
			TokenTTL:      cfg.GetTokenTTL(),
			QoS:           byte(cfg.Transport.QoS), // #nosec G115 -- qos validated to 0 or 1
			Dial:          dial,
			Logger:        log,
		},
		MaxAttempts:  cfg.Connection.MaxAttempts,
		InitialDelay: cfg.GetInitialDelay(),
		MaxDelay:     cfg.GetMaxDelay(),
		Logger:       log,
	})

	if cfg.API.Enabled {
		apiServer, apiErr := startAPI(ctx, cfg, log, manager, db, influxClient)
		if apiErr != nil {
			return apiErr
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	sess, err := manager.Connect(coord.Context())
	if err != nil {
		releaseSession(manager, log)
		if coord.Triggered() {
			log.Info("stopped before the session was established", "reason", coord.Reason())
			return nil
		}
		return fmt.Errorf("establishing session: %w", err)
	}
	log.Info("session established, press q to quit",
		"hub", sess.Hub(),
		"device_id", sess.DeviceID(),
	)

	var recorder streams.TelemetryRecorder
	if influxClient != nil {
		recorder = influxClient
	}
	mux := streams.New(streams.Options{
		TelemetryInterval: cfg.GetTelemetryInterval(),
		Jobs:              propertyJobs(cfg.Properties),
		Recorder:          recorder,
		Logger:            log,
	})

	runErr := mux.Run(coord.Context(), sess)
	if coord.Triggered() {
		log.Info("shutdown requested", "reason", coord.Reason())
	}
	releaseSession(manager, log)

	if runErr != nil {
		return fmt.Errorf("running streams: %w", runErr)
	}
	log.Info("devicelink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEVICELINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVICELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// transportDialer returns an mqtt.DialFunc whose connections log handler
// failures to log.
func transportDialer(log *logging.Logger) mqtt.DialFunc {
	return func(ctx context.Context, opts mqtt.Options) (mqtt.Conn, error) {
		opts.Logger = log
		return mqtt.Dial(ctx, opts)
	}
}

// propertyJobs converts the configured properties into multiplexer jobs.
func propertyJobs(props []config.PropertyConfig) []streams.Job {
	jobs := make([]streams.Job, 0, len(props))
	for _, p := range props {
		jobs = append(jobs, streams.Job{Key: p.Key, Kind: p.Kind, Interval: p.GetInterval()})
	}
	return jobs
}

// releaseSession tears the session down once. Release is idempotent, so the
// error path and the normal path may both call it.
func releaseSession(manager *session.Manager, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := manager.Release(ctx); err != nil {
		log.Warn("error releasing session", "error", err)
	}
}

// startAPI starts the local status server with a health check per component.
func startAPI(ctx context.Context, cfg *config.Config, log *logging.Logger, manager *session.Manager, db *database.DB, influxClient *influxdb.Client) (*api.Server, error) {
	checks := map[string]api.HealthChecker{
		"hub": hubCheck{manager: manager},
	}
	if db != nil {
		checks["database"] = db
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	server, err := api.New(api.Deps{
		Config:  cfg.API,
		Logger:  log,
		Status:  manager,
		Checks:  checks,
		Version: version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	return server, nil
}

// errHubDisconnected is reported by the hub health check.
var errHubDisconnected = errors.New("hub session not connected")

// hubCheck reports whether the managed session is connected.
type hubCheck struct {
	manager *session.Manager
}

func (h hubCheck) HealthCheck(context.Context) error {
	sess := h.manager.Session()
	if sess == nil || !sess.IsConnected() {
		return fmt.Errorf("%w (state %s)", errHubDisconnected, h.manager.State())
	}
	return nil
}
