// Package main provides the entry point for the velux-active client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zorak1103/velux-active/configs"
	"github.com/zorak1103/velux-active/internal/config"
	"github.com/zorak1103/velux-active/internal/logging"
	"github.com/zorak1103/velux-active/internal/mqttbridge"
	"github.com/zorak1103/velux-active/internal/simulator"
	"github.com/zorak1103/velux-active/internal/store"
	"github.com/zorak1103/velux-active/internal/telemetry"
	"github.com/zorak1103/velux-active/internal/velux"
)

// oneShotTimeout bounds the homes and token commands.
const oneShotTimeout = time.Minute

// App holds the CLI application state and dependencies.
type App struct {
	cfgFile     string
	username    string
	password    string
	storeDriver string
	logLevel    string
	output      string
	rootCmd     *cobra.Command
}

// NewApp creates a new CLI application instance with all dependencies.
func NewApp() *App {
	app := &App{}
	app.rootCmd = app.buildRootCmd()
	app.setupFlags()
	app.addCommands()
	return app
}

// buildRootCmd creates the root cobra command.
func (a *App) buildRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "velux-active",
		Short: "Client for the VELUX ACTIVE cloud",
		Long: `velux-active connects to the VELUX ACTIVE cloud with your account,
keeps the homes snapshot current from the push WebSocket and republishes
window, blind and shutter state to MQTT and InfluxDB when configured.

Without a subcommand it runs until interrupted.`,
		RunE: a.run,
	}
}

// setupFlags configures CLI flags and binds them to viper.
func (a *App) setupFlags() {
	flags := a.rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: none, defaults and environment only)")
	flags.StringVar(&a.username, "username", "", "VELUX ACTIVE account e-mail")
	flags.StringVar(&a.password, "password", "", "VELUX ACTIVE account password")
	flags.StringVar(&a.storeDriver, "store", "", "token store driver (sqlite, yaml, memory)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")

	bindPFlag("velux.username", flags.Lookup("username"))
	bindPFlag("velux.password", flags.Lookup("password"))
	bindPFlag("store.driver", flags.Lookup("store"))
	bindPFlag("logging.level", flags.Lookup("log-level"))
}

// addCommands adds subcommands to the root command.
func (a *App) addCommands() {
	a.rootCmd.AddCommand(a.buildHomesCmd())
	a.rootCmd.AddCommand(a.buildTokenCmd())
	a.rootCmd.AddCommand(a.buildSimulateCmd())
	a.rootCmd.AddCommand(a.buildConfigCmd())
	a.rootCmd.AddCommand(a.buildInitCmd())
}

// buildHomesCmd creates the homes subcommand that prints the account snapshot.
func (a *App) buildHomesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "homes",
		Short: "Fetch and print homes, rooms and modules",
		RunE:  a.runHomes,
	}
	cmd.Flags().StringVarP(&a.output, "output", "o", formatTable, "output format (table, json, yaml)")
	return cmd
}

// buildTokenCmd creates the token subcommand.
func (a *App) buildTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Acquire an access token and show its status",
		Long: `Acquire an access token, refreshing or logging in as needed, persist it
to the configured store and print the masked token state.`,
		RunE: a.runToken,
	}
}

// buildSimulateCmd creates the simulate subcommand.
func (a *App) buildSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Run a local fake VELUX ACTIVE cloud",
		Long: `Serve the OAuth token endpoint, homes data and the push WebSocket for a
fixture home on simulator.listen. Point velux.api_url and velux.ws_url at it
to try the client without an account.`,
		RunE: a.runSimulate,
	}
}

// buildConfigCmd creates the config subcommand that displays the effective configuration.
func (a *App) buildConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration with sensitive data masked.

This command shows the configuration that would be used by the client,
including values from the config file, environment variables, and CLI flags.
Passwords, secrets and tokens are masked.`,
		RunE: a.runConfig,
	}
}

// buildInitCmd creates the init subcommand that creates configuration files.
func (a *App) buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration files",
		Long: `Create configuration files in the current directory.

This command creates:
  - config.yaml: YAML configuration file
  - .env: Environment variables file

Existing files are never overwritten.`,
		RunE: a.runInit,
	}
}

// runInit creates configuration files from embedded templates.
func (a *App) runInit(_ *cobra.Command, _ []string) error {
	created := 0

	wasCreated, err := a.writeConfigFile("config.yaml", configs.ConfigYAML)
	if err != nil {
		return err
	}
	if wasCreated {
		created++
	}

	wasCreated, err = a.writeConfigFile(".env", configs.EnvExample)
	if err != nil {
		return err
	}
	if wasCreated {
		created++
	}

	if created == 0 {
		fmt.Println("All configuration files already exist. Nothing to do.")
		return nil
	}

	fmt.Printf("Created %d configuration file(s) in current directory.\n", created)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit config.yaml or .env with your VELUX ACTIVE account")
	fmt.Println("  2. Run 'velux-active config --config config.yaml' to verify it")
	fmt.Println("  3. Run 'velux-active homes --config config.yaml' to list your devices")

	return nil
}

// writeConfigFile writes content to a file if it doesn't already exist.
// Returns true if the file was created, false if it was skipped.
func (a *App) writeConfigFile(filename string, content []byte) (bool, error) {
	if _, err := os.Stat(filename); err == nil {
		fmt.Printf("Skipping %s (already exists)\n", filename)
		return false, nil
	}

	if err := os.WriteFile(filename, content, 0600); err != nil {
		return false, fmt.Errorf("writing %s: %w", filename, err)
	}

	fmt.Printf("Created %s\n", filename)
	return true, nil
}

// runConfig loads and displays the effective configuration with masked sensitive data.
func (a *App) runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadForDisplay(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	m := cfg.MaskedConfig()

	fmt.Println("Effective Configuration")
	fmt.Println("=======================")
	fmt.Println()
	fmt.Println("VELUX ACTIVE:")
	fmt.Printf("  Username:      %s\n", m.Velux.Username)
	fmt.Printf("  Password:      %s\n", m.Velux.Password)
	fmt.Printf("  Client ID:     %s\n", m.Velux.ClientID)
	fmt.Printf("  Client secret: %s\n", m.Velux.ClientSecret)
	fmt.Printf("  API URL:       %s\n", m.Velux.APIURL)
	fmt.Printf("  WS URL:        %s\n", m.Velux.WSURL)
	fmt.Printf("  Timeout:       %s\n", m.Velux.APITimeout)
	fmt.Printf("  Poll interval: %s\n", m.Velux.PollInterval)
	if addr := m.Velux.Proxy.ProxyAddress(); addr != "" {
		fmt.Printf("  Proxy:         %s\n", addr)
	}
	fmt.Println()
	fmt.Println("Store:")
	fmt.Printf("  Driver: %s\n", m.Store.Driver)
	fmt.Printf("  Path:   %s\n", m.Store.Path)
	fmt.Println()
	fmt.Println("MQTT:")
	fmt.Printf("  Enabled: %t\n", m.MQTT.Enabled)
	if m.MQTT.Enabled {
		fmt.Printf("  Broker:  %s:%d\n", m.MQTT.Host, m.MQTT.Port)
		fmt.Printf("  Prefix:  %s\n", m.MQTT.TopicPrefix)
	}
	fmt.Println()
	fmt.Println("InfluxDB:")
	fmt.Printf("  Enabled: %t\n", m.InfluxDB.Enabled)
	if m.InfluxDB.Enabled {
		fmt.Printf("  URL:     %s\n", m.InfluxDB.URL)
		fmt.Printf("  Bucket:  %s\n", m.InfluxDB.Bucket)
		fmt.Printf("  Token:   %s\n", m.InfluxDB.Token)
	}
	fmt.Println()
	fmt.Println("Logging:")
	fmt.Printf("  Level: %s\n", m.Logging.Level)

	return nil
}

// runHomes fetches the account snapshot once and prints it.
func (a *App) runHomes(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(a.output); err != nil {
		return err
	}
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.Logging.Level, logging.LevelWarn)

	ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
	defer cancel()

	client, backend, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "token store", backend)

	resp, err := client.HomesData(ctx)
	if err != nil {
		return err
	}
	return printHomes(cmd.OutOrStdout(), resp, a.output)
}

// runToken acquires a token and prints the masked state.
func (a *App) runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.Logging.Level, logging.LevelWarn)

	ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
	defer cancel()

	client, backend, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "token store", backend)

	if !client.Login(ctx) {
		return fmt.Errorf("acquiring access token for %s: %w", cfg.Velux.Username, velux.ErrOffline)
	}
	printTokenState(cmd.OutOrStdout(), cfg.Velux.Username, client.Store().State())
	return nil
}

// runSimulate serves the fake cloud until interrupted.
func (a *App) runSimulate(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadForDisplay(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.Logging.Level, logging.LevelInfo)
	logging.SetDefault(logger)

	sim, err := simulator.New(simulatorConfig(cfg.Simulator), logger)
	if err != nil {
		return fmt.Errorf("creating simulator: %w", err)
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	logger.Info("Starting simulator", "listen", cfg.Simulator.Listen, "username", cfg.Simulator.Username)
	return sim.ListenAndServe(ctx, cfg.Simulator.Listen)
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// bindPFlag binds a flag to viper and logs an error if binding fails.
func bindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		log.Printf("warning: failed to bind flag %s: %v", key, err)
	}
}

func main() {
	app := NewApp()
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes the long-running client.
func (a *App) run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.Logging.Level, logging.LevelInfo)
	logging.SetDefault(logger)

	logger.Info("Starting velux-active", "username", cfg.Velux.Username)
	logger.Info("VELUX ACTIVE endpoints", "api", cfg.Velux.APIURL, "ws", cfg.Velux.WSURL)
	logger.Info("Log level", "level", cfg.Logging.Level)

	ctx, cancel := signalContext(logger)
	defer cancel()

	client, backend, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "token store", backend)

	client.OnStatusChange(func(s velux.Status) {
		logger.Info("Account status changed", "status", s)
	})

	if cfg.MQTT.Enabled {
		bridge, err := mqttbridge.Connect(cfg.MQTT, client, logger)
		if err != nil {
			logger.Error("MQTT bridge unavailable", "error", err)
		} else {
			defer closeWithLog(logger, "MQTT bridge", bridge)
			client.AddListener(bridge)
			client.OnSnapshot(func(resp *velux.HomesDataResponse) {
				if err := bridge.PublishSnapshot(resp); err != nil {
					logger.Warn("Snapshot not fully published to MQTT", "error", err)
				}
			})
			logger.Info("MQTT bridge connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
		}
	}

	recorder, err := telemetry.Connect(cfg.InfluxDB, client, logger)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		logger.Error("InfluxDB telemetry unavailable", "error", err)
	default:
		defer closeWithLog(logger, "telemetry", recorder)
		client.AddListener(recorder)
		client.OnSnapshot(func(resp *velux.HomesDataResponse) {
			recorder.RecordSnapshot(resp)
		})
		logger.Info("InfluxDB telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	if err := client.Run(ctx); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// openClient opens the token store and builds a client on it.
func openClient(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*velux.Client, store.Backend, error) {
	backend, err := store.Open(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("opening token store: %w", err)
	}
	client, err := velux.New(ctx, clientConfig(cfg, backend), logger)
	if err != nil {
		backend.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, nil, fmt.Errorf("creating client: %w", err)
	}
	return client, backend, nil
}

// clientConfig maps the loaded configuration onto the client's.
func clientConfig(cfg *config.Config, backend velux.TokenBackend) velux.Config {
	v := cfg.Velux
	session := velux.DefaultSessionConfig()
	session.KeepaliveInterval = v.KeepaliveInterval
	session.HandshakeTimeout = v.APITimeout

	return velux.Config{
		Credentials: velux.Credentials{
			Username:     v.Username,
			Password:     v.Password,
			ClientID:     v.ClientID,
			ClientSecret: v.ClientSecret,
		},
		Endpoints:  velux.Endpoints{APIURL: v.APIURL, WSURL: v.WSURL},
		AppVersion: v.AppVersion,
		Transport: velux.TransportConfig{
			Timeout:      v.APITimeout,
			ProxyAddress: v.Proxy.ProxyAddress(),
			MaxRedirects: velux.DefaultTransportConfig().MaxRedirects,
		},
		Session: session,
		Reconnect: velux.ReconnectConfig{
			InitialDelay:  v.Reconnect.InitialDelay,
			MaxDelay:      v.Reconnect.MaxDelay,
			BackoffFactor: v.Reconnect.BackoffFactor,
			MaxAttempts:   v.Reconnect.MaxAttempts,
		},
		PollInterval: v.PollInterval,
		Backend:      backend,
	}
}

// simulatorConfig maps the loaded configuration onto the simulator's.
func simulatorConfig(s config.SimulatorConfig) simulator.Config {
	return simulator.Config{
		Username:     s.Username,
		Password:     s.Password,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		TokenTTL:     s.TokenTTL,
		SigningKey:   s.SigningKey,
		PushInterval: s.PushInterval,
	}
}

// newLogger builds a logger for level, falling back to def when level is invalid.
func newLogger(level string, def slog.Level) *logging.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		log.Printf("Warning: invalid log level %q, using %s", level, logging.LevelString(def))
		lvl = def
	}
	return logging.NewWithWriter(lvl, os.Stderr)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *logging.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, shutting down...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func closeWithLog(logger *logging.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Error("Error closing "+what, "error", err)
	}
}
