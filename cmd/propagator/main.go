package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mindgoner/propagator/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "propagator",
	Short: "Replicate observed HTTP requests between nodes",
	Long: `Propagator records every HTTP request a node receives and replicates the
records to peer nodes, which store them and replay them against their own
local application.

Peers follow each other by pulling encrypted batches from /propagator/pull,
optionally woken by push announcements.
`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture requests and replicate from configured peers",
	RunE:  runServe,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Replicate from configured peers without serving captures",
	RunE:  runListen,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE:  showConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.IntP("port", "p", 0, "Listen port")
	flags.String("path", "", "URL path prefix to capture")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.String("log-format", "", "Log format (console, json)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")
	flags.String("output", "", "Captured request output (console, json)")
	flags.Bool("silence", false, "Do not print captured requests")
	flags.StringSliceP("forward-url", "f", []string{}, "Upstream URLs captured requests are forwarded to")

	flags.String("storage-driver", "", "Storage driver (sqlite, postgres, memory)")
	flags.String("storage-path", "", "SQLite database file")
	flags.String("storage-dsn", "", "PostgreSQL connection string")

	flags.StringSlice("peer", []string{}, "Peer base URL to replicate from (repeatable)")
	flags.String("mode", "", "Replication mode (poll, push)")
	flags.Duration("poll-interval", 0, "Interval between pulls")
	flags.String("local-base-url", "", "Base URL replicated requests are replayed against")
	flags.Bool("push-enable", false, "Announce local records on the push channel")
	flags.String("push-driver", "", "Push driver (websocket, redis)")

	bindFlags(rootCmd)

	rootCmd.AddCommand(serveCmd, listenCmd, configCmd, versionCmd)
}

func bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	bindings := map[string]string{
		"server.port":                   "port",
		"server.path":                   "path",
		"log.level":                     "log-level",
		"log.format":                    "log-format",
		"log.file_logging.enable":       "log-file-enable",
		"log.file_logging.path":         "log-file-path",
		"log.file_logging.max_size_mb":  "log-file-max-size",
		"log.file_logging.max_backups":  "log-file-max-backups",
		"log.file_logging.max_age_days": "log-file-max-age",
		"log.file_logging.compress":     "log-file-compress",
		"output.mode":                   "output",
		"output.silence":                "silence",
		"forward.urls":                  "forward-url",
		"storage.driver":                "storage-driver",
		"storage.path":                  "storage-path",
		"storage.dsn":                   "storage-dsn",
		"replication.mode":              "mode",
		"replication.poll_interval":     "poll-interval",
		"replication.local_base_url":    "local-base-url",
		"push.enable":                   "push-enable",
		"push.driver":                   "push-driver",
	}
	for key, name := range bindings {
		viper.BindPFlag(key, flags.Lookup(name))
	}
}

// loadConfig reads configuration and applies flags that viper cannot bind.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if peers, err := cmd.Flags().GetStringSlice("peer"); err == nil {
		for _, peer := range peers {
			cfg.AddPeer(peer)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateRouteConflicts(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg.Masked())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func showVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Propagator version %s\n", version)
	fmt.Fprintf(out, "Commit: %s\n", commit)
	fmt.Fprintf(out, "Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
