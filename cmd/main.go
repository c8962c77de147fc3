package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ebogdum/artilock/config"
	artilog "github.com/ebogdum/artilock/internal/log"
	"github.com/ebogdum/artilock/repository"
	"github.com/ebogdum/artilock/server"
	"github.com/ebogdum/artilock/synccontext"
)

var rootCmd = &cobra.Command{
	Use:   "artilock",
	Short: "artilock - named locks over a shared local artifact repository",
	Long: `artilock coordinates processes that read and write the same local
artifact repository, locking artifacts and metadata by name through an
in-process, file, Redis, PostgreSQL or etcd backend.`,
	SilenceUsage: true,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Print the lock names for a set of coordinates",
	Long:  "Map artifact and metadata coordinates to lock names with the configured name mapper, without locking",
	RunE:  runKeys,
}

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run a command while holding locks",
	Long:  "Acquire a sync context over the given coordinates, run the command, and release the locks when it exits",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the diagnostics server",
	Long:  "Start the diagnostics HTTP server over the configured lock backend",
	RunE:  runServer,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Validate the artilock configuration and display the loaded settings",
	RunE:  validateConfig,
}

var (
	configFilePath  string
	artifactCoords  []string
	metadataCoords  []string
	localRepository string
	shared          bool
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "Path to configuration file")

	for _, cmd := range []*cobra.Command{keysCmd, execCmd} {
		cmd.Flags().StringArrayVarP(&artifactCoords, "artifact", "a", nil, "Artifact coordinates <groupId>:<artifactId>[:<extension>[:<classifier>]]:<version>")
		cmd.Flags().StringArrayVarP(&metadataCoords, "metadata", "m", nil, "Metadata coordinates [<groupId>[:<artifactId>[:<version>]]]")
		cmd.Flags().StringVarP(&localRepository, "local-repository", "r", "", "Local repository (overrides sync.local_repository)")
	}
	execCmd.Flags().BoolVarP(&shared, "shared", "s", false, "Take shared instead of exclusive locks")

	configCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(keysCmd, execCmd, serverCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		log.Fatalf("Error: %v", err)
	}
}

// setup loads configuration and builds the logger and sync factory.
func setup() (config.AppConfig, *zap.Logger, *synccontext.Factory, error) {
	cfg, err := config.LoadConfigFromFile(configFilePath)
	if err != nil {
		return config.AppConfig{}, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if localRepository != "" {
		cfg.Sync.LocalRepository = localRepository
	}

	logger, err := artilog.New(cfg.Log)
	if err != nil {
		return config.AppConfig{}, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, synccontext.NewFactory(cfg, logger), nil
}

func syncLogger(logger *zap.Logger) {
	if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		fmt.Fprintf(os.Stderr, "Failed to sync logger: %v\n", err)
	}
}

// parseCoordinates parses the --artifact and --metadata values.
func parseCoordinates(artifactArgs, metadataArgs []string) ([]repository.Artifact, []repository.Metadata, error) {
	var artifacts []repository.Artifact
	for _, coords := range artifactArgs {
		a, err := repository.ParseArtifact(coords)
		if err != nil {
			return nil, nil, err
		}
		artifacts = append(artifacts, a)
	}
	var metadata []repository.Metadata
	for _, coords := range metadataArgs {
		m, err := repository.ParseMetadata(coords)
		if err != nil {
			return nil, nil, err
		}
		metadata = append(metadata, m)
	}
	return artifacts, metadata, nil
}

func runKeys(cmd *cobra.Command, args []string) error {
	cfg, logger, factory, err := setup()
	if err != nil {
		return err
	}
	defer syncLogger(logger)
	defer factory.Shutdown()

	artifacts, metadata, err := parseCoordinates(artifactCoords, metadataCoords)
	if err != nil {
		return err
	}
	adapter, err := factory.Adapter(cmd.Context())
	if err != nil {
		return err
	}

	session := repository.NewSession(repository.NewLocalRepository(cfg.Sync.LocalRepository))
	for _, name := range adapter.NameLocks(session, artifacts, metadata) {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, factory, err := setup()
	if err != nil {
		return err
	}
	defer syncLogger(logger)
	defer func() {
		err = multierr.Append(err, factory.Shutdown())
	}()

	artifacts, metadata, err := parseCoordinates(artifactCoords, metadataCoords)
	if err != nil {
		return err
	}

	adapter, err := factory.Adapter(ctx)
	if err != nil {
		return err
	}
	if cfg.Metrics.ListenAddr != "" {
		srv := startDiagnostics(adapter, cfg, logger)
		defer stopDiagnostics(srv, logger)
	}

	session := repository.NewSession(repository.NewLocalRepository(cfg.Sync.LocalRepository))
	sc, err := adapter.NewInstance(ctx, session, shared)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, sc.Close())
	}()

	start := time.Now()
	if err := sc.Acquire(artifacts, metadata); err != nil {
		return fmt.Errorf("failed to acquire locks: %w", err)
	}
	logger.Info("Locks acquired",
		zap.Strings("locks", sc.Held()),
		zap.Bool("shared", shared),
		zap.Duration("waited", time.Since(start)))

	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr()
	child.Env = append(os.Environ(), "ARTILOCK_LOCKS="+strings.Join(sc.Held(), ","))
	return child.Run()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, logger, factory, err := setup()
	if err != nil {
		return err
	}
	defer syncLogger(logger)
	defer factory.Shutdown()

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	adapter, err := factory.Adapter(cmd.Context())
	if err != nil {
		return err
	}
	srv := startDiagnostics(adapter, cfg, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopDiagnostics(srv, logger)
	logger.Info("Server exited gracefully")
	return nil
}

func startDiagnostics(adapter *synccontext.Adapter, cfg config.AppConfig, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      server.NewRouter(adapter, cfg.Sync.LocalRepository, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("Starting diagnostics server", zap.String("addr", cfg.Metrics.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Diagnostics server failed", zap.Error(err))
		}
	}()
	return srv
}

func stopDiagnostics(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Diagnostics server forced to shutdown", zap.Error(err))
	}
}

// validateConfig validates the configuration, including the backend and
// name mapper names, and displays the settings.
func validateConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Validating configuration...")

	cfg, err := config.LoadConfigFromFile(configFilePath)
	if err != nil {
		fmt.Fprintf(out, "Configuration validation failed: %v\n", err)
		return err
	}
	factory := synccontext.NewFactory(cfg, zap.NewNop())
	if !contains(factory.Backends(), cfg.Sync.Factory) {
		err := fmt.Errorf("%w: %q", synccontext.ErrUnknownBackend, cfg.Sync.Factory)
		fmt.Fprintf(out, "Configuration validation failed: %v\n", err)
		return err
	}
	if !contains(factory.NameMappers(), cfg.Sync.NameMapper) {
		err := fmt.Errorf("%w: %q", synccontext.ErrUnknownNameMapper, cfg.Sync.NameMapper)
		fmt.Fprintf(out, "Configuration validation failed: %v\n", err)
		return err
	}
	timeout, _ := cfg.Sync.AcquireTimeout()

	fmt.Fprintln(out, "Configuration is valid")
	fmt.Fprintf(out, "Lock Factory: %s\n", cfg.Sync.Factory)
	fmt.Fprintf(out, "Name Mapper: %s\n", cfg.Sync.NameMapper)
	fmt.Fprintf(out, "Acquire Timeout: %s\n", timeout)
	fmt.Fprintf(out, "Local Repository: %s\n", cfg.Sync.LocalRepository)
	switch {
	case strings.HasSuffix(cfg.Sync.Factory, "-redis"):
		fmt.Fprintf(out, "Redis Address: %s\n", cfg.Redis.Addr)
		if cfg.Redis.Password != "" {
			fmt.Fprintf(out, "Redis Password: %s\n", artilog.Fingerprint(cfg.Redis.Password))
		}
	case strings.HasSuffix(cfg.Sync.Factory, "-postgres"):
		fmt.Fprintf(out, "PostgreSQL DSN: %s\n", artilog.MaskURL(cfg.Postgres.DSN))
	case strings.HasSuffix(cfg.Sync.Factory, "-etcd"):
		fmt.Fprintf(out, "etcd Endpoints: %s\n", strings.Join(cfg.Etcd.Endpoints, ","))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
