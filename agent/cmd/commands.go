package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/martinshumberto/libraries-watcher/agent/internal/config"
	"github.com/martinshumberto/libraries-watcher/agent/internal/syncmanager"
)

const configEnv = "LIBRARIES_WATCHER_CONFIG"

type rootFlags struct {
	configPath  string
	verbose     bool
	logLevel    string
	logFile     string
	initialSync bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:     "libraries-watcher",
		Short:   "Mirror libraries into their destinations as they change",
		Version: Version,
		Long: `Libraries Watcher keeps one or more destination trees identical to a source
tree. Every change under a library (files, symlinks, directories, permission
bits) is replayed onto each of its destinations as soon as it happens.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, flags)
			if err != nil {
				return err
			}

			closer := setupLogging(cfg)
			if closer != nil {
				defer closer.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, cfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default searches ./libraries-watcher.json and the user config directory)")
	rootCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "report every discovered path, queued event and applied change")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flags.logFile, "log-file", "", "also write logs to this file, rotated")
	rootCmd.Flags().BoolVar(&flags.initialSync, "initial-sync", false, "mirror the existing content of every library on start")

	rootCmd.AddCommand(newLibrariesCommand(flags))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Libraries Watcher v%s (built %s)\n", Version, BuildTime)
		},
	})

	return rootCmd
}

func newLibrariesCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "libraries",
		Short: "List the configured libraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, flags)
			if err != nil {
				return err
			}
			DisplayLibraries(cfg)
			return nil
		},
	}
}

// DisplayLibraries prints the configured libraries as a table
func DisplayLibraries(cfg *config.Config) {
	if len(cfg.Libraries) == 0 {
		fmt.Println("No libraries configured.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Source", "Destinations"})
	table.SetAutoWrapText(false)

	for _, lib := range cfg.Libraries {
		table.Append([]string{
			lib.Name,
			lib.Source,
			strings.Join(lib.Destinations, "\n"),
		})
	}

	table.Render()
}

// loadConfiguration reads the config file and applies the flags that were
// set explicitly on the command line.
func loadConfiguration(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	configPath := flags.configPath
	if configPath == "" {
		configPath = os.Getenv(configEnv)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = flags.verbose
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.LogFile = flags.logFile
	}
	if cmd.Flags().Changed("initial-sync") {
		cfg.InitialSync = flags.initialSync
	}

	return cfg, nil
}

// setupLogging installs the global logger. The returned closer is nil when
// no log file is configured.
func setupLogging(cfg *config.Config) io.Closer {
	console := zerolog.ConsoleWriter{Out: os.Stderr}

	var closer io.Closer
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
		closer = file
	} else {
		log.Logger = log.Output(console)
	}

	setLogLevel(cfg.LogLevel)
	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return closer
}

// setLogLevel sets the global log level based on configuration
func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// runWatch mirrors the configured libraries until ctx is done or an
// unexpected error is reported.
func runWatch(ctx context.Context, cfg *config.Config) error {
	opts, err := syncmanager.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	lw, err := syncmanager.New(cfg.Libraries, opts)
	if err != nil {
		return fmt.Errorf("failed to create libraries watcher: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Int("libraries", len(cfg.Libraries)).
		Msg("Starting Libraries Watcher")

	if err := lw.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch libraries: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Received signal, shutting down")
	case runErr = <-lw.Errors():
		log.Error().Err(runErr).Msg("Stopping after unexpected error")
	}

	if err := lw.StopWatch(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop cleanly")
	}

	stats := lw.Stats()
	event := log.Info().
		Int64("events", stats.Events).
		Int64("mutations", stats.Mutations).
		Int64("benign_races", stats.BenignRaces).
		Int64("errors", stats.Errors)
	if !stats.LastEvent.IsZero() {
		event = event.Str("last_event", stats.LastEvent.Format(time.RFC3339))
	}
	event.Msg("Shutdown complete")

	return runErr
}
