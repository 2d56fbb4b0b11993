// Command walbouncer runs the filtering physical-replication proxy: a
// process that impersonates a primary to a connecting standby and a
// standby to the configured primary, forwarding WAL while stripping
// records that touch excluded tablespaces.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/walbouncer/internal/config"
)

var (
	cfg            config.Config
	logger         zerolog.Logger
	logOutput      io.Writer
	cfgPath        string
	hostFlag       string
	portFlag       int
	masterPortFlag int
)

// rootCmd's own RunE is the proxy itself (spec §6's "listening endpoint"),
// matching the original proxy's single-purpose invocation: `walbouncer
// [-h HOST] [-p PORT] [-P MASTERPORT]` with no subcommand starts
// streaming immediately. tui.go and serveadmin.go add the ambient
// observability subcommands SPEC_FULL.md supplements onto that.
var rootCmd = &cobra.Command{
	Use:   "walbouncer",
	Short: "Filtering PostgreSQL physical-replication proxy",
	Long: `walbouncer sits between a PostgreSQL primary and a standby, impersonating
each to the other, and strips WAL records belonging to excluded
tablespaces while preserving byte offsets and LSNs exactly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if cmd.Flags().Changed("host") {
			cfg.Master.Host = hostFlag
		}
		if cmd.Flags().Changed("port") {
			cfg.Listen.Port = portFlag
		}
		if cmd.Flags().Changed("masterport") {
			cfg.Master.Port = masterPortFlag
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		if cfg.Logging.Format == "json" {
			logOutput = os.Stdout
		} else {
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
	RunE: runProxy,
}

func init() {
	// Registering "help" with shorthand "?" ourselves, before cobra's
	// InitDefaultHelpFlag runs, both satisfies spec §6's -?/--help and
	// frees up "-h" for --host below: cobra only assigns its own
	// default help flag when one isn't already registered.
	rootCmd.PersistentFlags().BoolP("help", "?", false, "print usage and exit")

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgPath, "config", "", "path to a TOML configuration file")
	f.StringVarP(&hostFlag, "host", "h", "localhost", "primary host")
	f.IntVarP(&portFlag, "port", "p", 5433, "listen port")
	f.IntVarP(&masterPortFlag, "masterport", "P", 5432, "primary port")

	rootCmd.DisableFlagsInUseLine = true
}

func runProxy(cmd *cobra.Command, args []string) error {
	return serveProxy(cmd.Context(), cfg, logger, false)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
