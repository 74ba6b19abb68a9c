// Connectivity gateway - bridges external brokers and endpoints to
// protocol-independent signals.
//
// This is the main entry point of the connectivity service. The serve
// command runs the connection manager behind the HTTP control surface;
// the other commands validate configuration and connection definitions
// offline, test a single connection, or mint access tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/UnimibEsami/ditto/internal/api"
	"github.com/UnimibEsami/ditto/internal/connectivity/manager"
	"github.com/UnimibEsami/ditto/internal/connectivity/metrics"
	"github.com/UnimibEsami/ditto/internal/connectivity/store"
	"github.com/UnimibEsami/ditto/internal/infrastructure/config"
	"github.com/UnimibEsami/ditto/internal/infrastructure/database"
	"github.com/UnimibEsami/ditto/internal/infrastructure/influxdb"
	"github.com/UnimibEsami/ditto/internal/infrastructure/logging"
	"github.com/UnimibEsami/ditto/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// configEnv names the config file when --config is not given.
const configEnv = config.EnvPrefix + "_CONFIG"

// shutdownTimeout bounds how long connection clients get to disconnect.
const shutdownTimeout = 15 * time.Second

// errTestFailed makes test-connection exit non-zero on a failure reply.
var errTestFailed = errors.New("connection test failed")

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "connectivity",
		Short: "Connectivity gateway for MQTT, Kafka, AMQP, NATS and HTTP endpoints",
		Long: `Connectivity manages long-lived connections to external message brokers
and endpoints, maps their messages to signals and back, and reports the
state and metrics of every connection.

Examples:
  connectivity serve -c configs/config.yaml
  connectivity validate -c configs/config.yaml definitions/*.yaml
  connectivity test-connection -f definitions/lamps.yaml
  connectivity token --subject ops --ttl 1h`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file path (default $"+configEnv+")")

	root.AddCommand(serveCmd(), validateCmd(), testConnectionCmd(), tokenCmd(), versionCmd())
	return root
}

// loadConfig reads the file named by --config, falling back to the
// environment. An empty path uses defaults plus environment overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config") //nolint:errcheck // flag is always registered
	if path == "" {
		path = os.Getenv(configEnv)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the connection manager and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.Default()
			log.Info("starting connectivity",
				"version", version,
				"commit", commit,
				"build_date", date,
			)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Reinitialise logger with config settings
			log = logging.New(cfg.Logging, version)
			log.Info("logger initialised",
				"level", cfg.Logging.Level,
				"format", cfg.Logging.Format,
			)
			return run(cmd.Context(), cfg, log)
		},
	}
}

// run wires the service and blocks until ctx is cancelled. Components
// are closed in reverse order through the defer chain.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - cfg: Loaded configuration
//   - log: Configured logger
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	db, err := database.Open(database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricCollectors, err := metrics.NewCollectors(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	checks := map[string]api.HealthChecker{"database": db}

	// Connect to InfluxDB (optional)
	var points manager.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		points = influxClient
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log)

	mgr, err := manager.New(manager.ConfigFrom(cfg.Connectivity), manager.Deps{
		Repository:  store.NewSQLiteRepository(db),
		Registry:    manager.NewRegistry(cfg.Connectivity, cfg.Instance.ID),
		Collectors:  metricCollectors,
		Metrics:     points,
		Broadcaster: hub,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("creating connection manager: %w", err)
	}
	if startErr := mgr.Start(ctx); startErr != nil {
		return fmt.Errorf("starting connection manager: %w", startErr)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("stopping connection manager")
		if stopErr := mgr.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping connection manager", "error", stopErr)
		}
	}()

	server, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Security:       cfg.Security,
		Logger:         log,
		Connections:    mgr,
		Gatherer:       registry,
		Checks:         checks,
		ExternalHub:    hub,
		CommandTimeout: cfg.Connectivity.ConnectingTimeout + cfg.Connectivity.InitTimeout,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"instance", cfg.Instance.ID,
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. Connection manager (disconnects every client)
	// 3. InfluxDB (if enabled)
	// 4. Database
	return nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [definition.yaml...]",
		Short: "Validate the configuration and connection definitions",
		Long: `Validate loads the configuration and every connection definition in the
configured definitions directory, plus any files given as arguments,
and reports every problem found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "configuration ok")

			var errs []error
			count := 0
			if dir := cfg.Connectivity.DefinitionsDir; dir != "" {
				conns, dirErr := manager.LoadDefinitions(dir)
				if dirErr != nil {
					errs = append(errs, dirErr)
				}
				count += len(conns)
			}
			for _, path := range args {
				if _, fileErr := manager.LoadDefinition(path); fileErr != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, fileErr))
					continue
				}
				count++
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d connection definition(s) ok\n", count)
			return nil
		},
	}
}

func testConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Connect a connection definition once without storing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("file") //nolint:errcheck // flag is always registered
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			conn, err := manager.LoadDefinition(file)
			if err != nil {
				return err
			}

			log := logging.NewWithWriter(cfg.Logging, version, cmd.ErrOrStderr())
			clientCfg := manager.ConfigFrom(cfg.Connectivity).Client
			clientCfg.Logger = log

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Connectivity.TestTimeout+cfg.Connectivity.ConnectingTimeout)
			defer cancel()
			reply, err := manager.TestConnection(ctx, manager.NewRegistry(cfg.Connectivity, cfg.Instance.ID), clientCfg, conn)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply.ConnectionID, reply.IsSuccess(), reply.Message)
		},
	}
	cmd.Flags().StringP("file", "f", "", "connection definition file (YAML)")
	_ = cmd.MarkFlagRequired("file") //nolint:errcheck // flag exists
	return cmd
}

func printReply(out io.Writer, id string, ok bool, message string) error {
	if !ok {
		fmt.Fprintf(out, "%s: FAILED: %s\n", id, message)
		return fmt.Errorf("%w: %s", errTestFailed, message)
	}
	fmt.Fprintf(out, "%s: ok: %s\n", id, message)
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API access token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			subject, _ := cmd.Flags().GetString("subject") //nolint:errcheck // flag is always registered
			ttl, _ := cmd.Flags().GetDuration("ttl")       //nolint:errcheck // flag is always registered
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			token, err := api.IssueToken(cfg.Security.JWT, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "operator", "token subject")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connectivity %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
