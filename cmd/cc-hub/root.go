package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/m0a/cc-hub-sub002/internal/auth"
	"github.com/m0a/cc-hub-sub002/internal/config"
	"github.com/m0a/cc-hub-sub002/internal/hub"
	"github.com/m0a/cc-hub-sub002/internal/sessionlog"
	"github.com/m0a/cc-hub-sub002/internal/wsserver"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var (
	flagConfig string
	flagListen string
)

var rootCmd = &cobra.Command{
	Use:   "cc-hub",
	Short: "Expose tmux sessions hosting coding agents to browsers over a private network",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cc-hub", version)
	},
}

var (
	flagTokenSubject string
	flagTokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a connection token for a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not configured in %s", configPath())
		}
		token, err := auth.IssueToken(cfg.Auth.JWTSecret, flagTokenSubject, flagTokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default: user config dir)")
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "listen address override")
	tokenCmd.Flags().StringVar(&flagTokenSubject, "subject", "device", "token subject (device name)")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(serveCmd, versionCmd, tokenCmd)
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath()
}

func runServe() error {
	cfg, err := config.EnsureFile(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}

	// Logging: text handler at the configured level, teed into the session
	// event store when one is configured. The LevelVar makes log_level hot
	// reloadable.
	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.SlogLevel())

	var store *sessionlog.Store
	if cfg.SessionLogPath != "" {
		store, err = sessionlog.Open(cfg.SessionLogPath)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		defer store.Close()
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	slog.SetDefault(slog.New(sessionlog.NewTeeHandler(base, store, slog.LevelWarn)))

	validator := auth.NewValidator(auth.Config{
		Tokens:    cfg.Auth.Tokens,
		JWTSecret: cfg.Auth.JWTSecret,
	})
	if len(cfg.Auth.Tokens) == 0 && cfg.Auth.JWTSecret == "" {
		slog.Warn("[WARN-MAIN] no auth credentials configured; every connection will be rejected",
			"config", configPath())
	}

	supervisor := hub.NewSupervisor(hub.SupervisorConfig{
		TmuxBin:        cfg.Tmux.Bin,
		SocketName:     cfg.Tmux.Socket,
		ClientPrefix:   cfg.Tmux.ClientPrefix,
		IdleTimeout:    cfg.IdleTimeoutDuration(),
		CommandTimeout: cfg.CommandTimeoutDuration(),
	})

	server := wsserver.NewServer(
		wsserver.ServerConfig{Addr: cfg.Listen},
		validator,
		wsserver.SupervisorAttacher{Supervisor: supervisor},
	)
	supervisor.OnNewSession = func(session string) {
		server.BroadcastNewSession(session)
		if store != nil {
			if err := store.Record(sessionlog.Event{
				Session: session,
				Kind:    sessionlog.KindSessionCreated,
			}); err != nil {
				slog.Debug("[DEBUG-MAIN] session log record failed", "error", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx); err != nil {
		return err
	}

	// Config hot reload: credentials and log level apply without restart.
	watcher, err := config.Watch(configPath(), func(next config.Config) {
		validator.Update(auth.Config{
			Tokens:    next.Auth.Tokens,
			JWTSecret: next.Auth.JWTSecret,
		})
		levelVar.Set(next.SlogLevel())
	})
	if err != nil {
		slog.Warn("[WARN-MAIN] config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	slog.Info("[DEBUG-MAIN] cc-hub serving",
		"version", version, "listen", cfg.Listen, "endpoint", server.URL())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("[DEBUG-MAIN] shutdown started")
	if err := server.Stop(); err != nil {
		slog.Warn("[WARN-MAIN] server stop failed", "error", err)
	}
	supervisor.Shutdown()
	slog.Info("[DEBUG-MAIN] shutdown complete")
	return nil
}
