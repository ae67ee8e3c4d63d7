// Command goatleta manages the GoAtleta offline write queue.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/otaldogusta/GoAtleta-sub001/internal/config"
	"github.com/otaldogusta/GoAtleta-sub001/internal/logging"
)

var (
	cfgFile  string
	cfg      *config.Config
	logger   *slog.Logger
	logClose io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "goatleta",
	Short: "Offline write queue for GoAtleta",
	Long: `goatleta keeps mutations made while offline in a durable local queue and
replays them against the backend once connectivity returns.

Writes that share a stream key are delivered in the order they were queued.
A failing write only blocks its own stream. Authentication, permission and
organization problems pause the whole queue until they are resolved.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(cfgFile)
		if err != nil {
			return err
		}
		flags := cmd.Root().PersistentFlags()
		for key, flag := range map[string]string{
			"db.path":     "db",
			"log.level":   "log-level",
			"log.file":    "log-file",
			"backend.url": "backend-url",
		} {
			if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}

		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		logger, logClose, err = logging.New(logging.Options{
			Level:  cfg.Log.Level,
			File:   cfg.Log.File,
			Writer: cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logClose != nil {
			return logClose.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "ops", Title: "Operator Commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.goatleta/goatleta.yaml)")
	pf.String("db", "", "queue database path")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-file", "", "write logs to a rotating file")
	pf.String("backend-url", "", "backend base URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
