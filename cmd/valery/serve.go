package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/valerybot/valery/internal/accounting"
	"github.com/valerybot/valery/internal/assistant"
	"github.com/valerybot/valery/internal/bot"
	"github.com/valerybot/valery/internal/config"
	"github.com/valerybot/valery/internal/dashboard"
	"github.com/valerybot/valery/internal/db"
	"github.com/valerybot/valery/internal/relay"
	discordadapter "github.com/valerybot/valery/internal/relay/discord"
	slackadapter "github.com/valerybot/valery/internal/relay/slack"
	"github.com/valerybot/valery/internal/store"
	"github.com/valerybot/valery/internal/tokenizer"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Valery bot daemon",
		Long:  "Connects to the configured chat platform and serves assistant conversations until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "valery.yaml", "path to Valery config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config for platform %q from %s\n", cfg.Platform, configPath)

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	st, err := store.New(gormDB)
	if err != nil {
		return err
	}

	counter, err := tokenizer.NewSubprocess(cfg.Tokenizer.Command)
	if err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := bot.NewDaemon(bot.DaemonOpts{
		Config:  cfg,
		Adapter: adapter,
		Store:   st,
		Client:  assistant.NewOpenAI(cfg.Assistant),
		Counter: counter,
		Out:     out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Store:               st,
				Guard:               daemon.Guard(),
				Timers:              daemon.Timers(),
				TokenPricer:         accounting.NewTokenPricer(accounting.Micros(cfg.Pricing.TokenPriceMicros)),
				TranscriptionPricer: accounting.NewTranscriptionPricer(accounting.Micros(cfg.Pricing.TranscriptionMinutePriceMicros)),
				Port:                cfg.Dashboard.Port,
				Out:                 out,
			})
			if err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (relay.Adapter, error) {
	switch cfg.Platform {
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
	default:
		return nil, fmt.Errorf("serve: unsupported platform %q", cfg.Platform)
	}
}
