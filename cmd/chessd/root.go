package main

import (
	"fmt"
	"os"
	"time"

	"github.com/justinabrahms/chesslive/internal/auth"
	"github.com/justinabrahms/chesslive/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chessd",
		Short:         "Real-time multiplayer chess server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = cfg
			setupLogging(cfg.Development)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func setupLogging(dev config.DevelopmentConfig) {
	level, err := zerolog.ParseLevel(dev.LogLevel)
	if err != nil || dev.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if dev.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if dev.Debug {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newTokenCommand mints an identity token for local testing.
func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		name   string
		rating int
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <player-id>",
		Short: "Sign an identity token for a player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			token, err := auth.NewVerifier(opts.cfg.Auth.JWTSecret).Sign(auth.Claims{
				ID:     args[0],
				Name:   name,
				Rating: rating,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&rating, "rating", 1200, "rating claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
