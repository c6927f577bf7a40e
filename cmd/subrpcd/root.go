package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/svemat01/subrpc"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "subrpcd",
		Short:         "subrpc demo daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(&configFlag))
	rootCmd.AddCommand(newConfigCommand(&configFlag))

	return rootCmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo procedures until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", cfg)
			return nil
		},
	}
}

func serve(ctx context.Context, cfg Config) error {
	log := newLogger(cfg.LogLevel)

	router, err := subrpc.BuildRouter(procedures())
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	srv := subrpc.NewServer(router, subrpc.ServerOptions{
		InstanceID:       cfg.InstanceID,
		KeepaliveTimeout: cfg.keepalive(),
		Logger:           subrpc.NewLogger(log),
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 2)
	if cfg.Stream.Enabled {
		go func() {
			log.Info("stream listener up", "bind", cfg.Stream.Bind, "path", cfg.Stream.Path)
			errc <- srv.ListenAndServeWS(ctx, cfg.Stream.Bind, cfg.Stream.Path)
		}()
	}
	if cfg.Datagram.Enabled {
		udp, err := subrpc.NewUDPDatagramConn(cfg.Datagram.Bind, 0)
		if err != nil {
			return fmt.Errorf("listen datagram: %w", err)
		}
		go func() {
			log.Info("datagram listener up", "bind", cfg.Datagram.Bind)
			errc <- srv.ServeDatagram(ctx, udp)
		}()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
