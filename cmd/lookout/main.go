package main

import (
	"fmt"
	"os"

	"github.com/cuemby/lookout/pkg/config"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once per invocation before any subcommand runs
var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lookout",
	Short: "Lookout - real-time log event fan-out",
	Long: `Lookout pushes newly logged events to every connected client that
is watching the event's application, filtered by severity level.

Clients subscribe over WebSocket, Server-Sent Events or gRPC.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			Output:     os.Stderr,
		})
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Lookout version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Lookout version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to a YAML config file")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(appCmd)
}

// loadConfig reads the config file and environment, then applies any
// flags set on the command line
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	c, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	overrides := map[string]*string{
		"http-addr": &c.HTTPAddr,
		"grpc-addr": &c.GRPCAddr,
		"data-dir":  &c.DataDir,
		"log-level": &c.Log.Level,
	}
	for name, dst := range overrides {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("log-json") {
		c.Log.JSON, _ = flags.GetBool("log-json")
	}

	if err := c.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
