package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tickwire/internal/app"
	"tickwire/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "broker",
		Short:         "Append-only input broker for tickwire rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.Config{
				Addr:      v.GetString("addr"),
				DataDir:   v.GetString("data-dir"),
				StaticDir: v.GetString("static-dir"),
				Logging: logging.Config{
					Level: v.GetString("log-level"),
					JSON:  v.GetBool("log-json"),
				},
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg)
		},
	}

	defaults := app.DefaultConfig()
	flags := cmd.Flags()
	flags.String("addr", defaults.Addr, "listen address")
	flags.String("data-dir", defaults.DataDir, "directory for per-room log files")
	flags.String("static-dir", "", "serve game client assets from this directory")
	flags.String("log-level", defaults.Logging.Level, "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit structured JSON logs")

	v.SetEnvPrefix("TICKWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindPFlags(flags)

	return cmd
}
