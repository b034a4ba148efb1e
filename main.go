package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"speechworker/internal/config"
	"speechworker/internal/logging"
)

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(context.Background()); err != nil {
		log.Fatal("speechworker failed", "err", err)
	}
}

func newRootCommand(stdin io.Reader, stdout io.Writer, stderr io.Writer) *cobra.Command {
	v := config.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:           "speechworker",
		Short:         "Streaming speech-to-text worker speaking line-delimited JSON over stdio",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// a missing .env is normal
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return NewApp(cfg, stdin, stdout, logger).Run(ctx)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default: config.{toml,yaml,json} in . or ~/.config/speechworker)")
	flags.String("engine", "", "transcription engine: google or deepgram")
	flags.String("audio-source", "", "audio source: host or microphone")
	flags.String("language", "", "default recognition language")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	bindFlags(v, root, map[string]string{
		"engine":       "engine",
		"audio-source": "audio_source",
		"language":     "language",
		"log-level":    "log.level",
		"metrics-addr": "metrics.addr",
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}
}
