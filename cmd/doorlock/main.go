package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ao/doorlock/internal/config"
	"github.com/ao/doorlock/internal/enroll"
	"github.com/ao/doorlock/internal/face/dlib"
	"github.com/ao/doorlock/internal/imaging"
	"github.com/ao/doorlock/internal/logging"
	"github.com/ao/doorlock/internal/qr"
	"github.com/ao/doorlock/internal/web"
	"github.com/ao/doorlock/pkg/client"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

type serverFlags struct {
	configPath string
	host       string
	port       int
	store      string
	logLevel   string
}

// loadConfig reads the configuration and applies command line overrides
func (f *serverFlags) loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Driver = f.store
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	imaging.MaxPixels = int64(cfg.Server.MaxImagePixels)

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func main() {
	flags := &serverFlags{}

	rootCmd := &cobra.Command{
		Use:   "doorlock",
		Short: "ESP32-CAM door lock server",
		Long: `doorlock decides whether to open a door from camera frames sent by an
ESP32-CAM, using either a QR code secret or face recognition.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("DOORLOCK_CONFIG"), "YAML config file (can also be set via DOORLOCK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.store, "store", config.StoreMongo, "Store driver (mongo, sqlite or memory)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().StringVar(&flags.host, "host", "0.0.0.0", "Listen host")
		c.Flags().IntVar(&flags.port, "port", 8080, "Listen port")
	}

	rootCmd.AddCommand(
		serveCmd,
		newEnrollCommand(flags),
		newStatusCommand(),
		newHashSecretCommand(),
		newHashAdminTokenCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("doorlock %s (built at %s)\n", Version, BuildTime)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, flags *serverFlags) error {
	cfg, log, err := flags.loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Infof("Starting doorlock %s (built at %s)", Version, BuildTime)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := createServer(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Door lock server is running. Press Ctrl+C to stop.")

	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	cancel()

	if err := shutdownServer(server); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	log.Info("Shutdown complete")
	return nil
}

func newEnrollCommand(flags *serverFlags) *cobra.Command {
	var dataset string

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Import a dataset of portraits laid out as DIR/<person>/<image>",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			zl := newZapLogger(cfg)
			defer func() { _ = zl.Sync() }()

			st, err := openStore(ctx, cfg, log, zl)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(context.Background()) }()

			pool, err := dlib.NewPool(cfg.Face.ModelsDir, cfg.Face.Encoders, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			report, err := enroll.NewImporter(st, pool, log).ImportDir(ctx, dataset)
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"people":  report.People,
				"images":  report.Images,
				"saved":   report.Saved,
				"skipped": len(report.Skipped),
			}).Info("Dataset imported")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "dataset", "Dataset directory")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.NewClient(url, client.WithTimeout(timeout))

			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			health, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"status": status,
				"health": health,
			})
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Server URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func newHashSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret SECRET",
		Short: "Print the QR_HASH value for a QR code secret",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), qr.HashSecret(args[0]))
		},
	}
}

func newHashAdminTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-token TOKEN",
		Short: "Print the DOORLOCK_ADMIN_TOKEN_HASH value for an admin token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := web.HashAdminToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
