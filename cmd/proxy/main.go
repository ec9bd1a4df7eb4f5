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
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/bedrockproxy/internal/config"
	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/db"
	"github.com/udisondev/bedrockproxy/internal/dump"
	"github.com/udisondev/bedrockproxy/internal/metrics"
	"github.com/udisondev/bedrockproxy/internal/proxy"
)

const (
	ConfigPath = "config/proxy.yaml"
	ConfigEnv  = "BEDROCKPROXY_CONFIG"

	statusInterval = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bedrockproxy",
		Short:         "Transparent relay for the Bedrock encrypted game protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), keygenCmd())
	return root
}

func runCmd() *cobra.Command {
	var (
		cfgPath string
		ip      string
		port    int
		lport   int
		bind    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("config") {
				if p := os.Getenv(ConfigEnv); p != "" {
					cfgPath = p
				}
			}
			cfg, err := config.LoadProxy(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("ip") {
				cfg.TargetHost = ip
			}
			if flags.Changed("port") {
				cfg.TargetPort = port
			}
			if flags.Changed("lport") {
				cfg.Port = lport
			}
			if flags.Changed("bind") {
				cfg.BindAddress = bind
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", ConfigPath, "path to the YAML config (env "+ConfigEnv+")")
	cmd.Flags().StringVar(&ip, "ip", "", "backend server host")
	cmd.Flags().IntVar(&port, "port", 0, "backend server port")
	cmd.Flags().IntVar(&lport, "lport", 0, "port to listen on for clients")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind the client listener to")
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a proxy key pair and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := crypto.NewProvider()
			if err != nil {
				return err
			}
			pub := provider.EncodedPublicKey()
			fmt.Fprintln(cmd.OutOrStdout(), pub)

			if out != "" {
				if err := dump.WritePublicKey(out, "proxy", pub); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "also write proxy.public.key into this directory")
	return cmd
}

func run(ctx context.Context, cfg config.Proxy) error {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	slog.Info("bedrockproxy starting",
		"bind", cfg.ListenAddr(),
		"target", cfg.TargetAddr(),
		"protocol", cfg.ProtocolVersion,
		"require_auth", cfg.RequireAuthentication,
	)

	provider, err := crypto.NewProvider()
	if err != nil {
		return fmt.Errorf("creating crypto provider: %w", err)
	}
	slog.Info("proxy key generated", "public_key", provider.EncodedPublicKey())

	if cfg.DumpDir != "" {
		if err := dump.WritePublicKey(cfg.DumpDir, "proxy", provider.EncodedPublicKey()); err != nil {
			return fmt.Errorf("dumping proxy key: %w", err)
		}
		slog.Info("packet dump enabled", "dir", cfg.DumpDir)
	}

	m := metrics.New()
	opts := []proxy.ServerOption{proxy.WithMetrics(m)}

	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer database.Close()
		slog.Info("database connected")

		if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("database migrations applied")

		opts = append(opts, proxy.WithLoginRecorder(db.NewLoginRepository(database.Pool())))
	}

	srv := proxy.NewServer(cfg, provider, opts...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Run(gctx); err != nil {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.MetricsAddress)
		})
	}

	g.Go(func() error {
		reportSessions(gctx, srv.Sessions())
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// reportSessions periodically logs the live sessions.
func reportSessions(ctx context.Context, sm *proxy.SessionManager) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := sm.Sessions()
			slog.Info("proxy status", "sessions", len(sessions))
			for _, s := range sessions {
				slog.Debug("session",
					"id", s.ID,
					"remote", s.RemoteAddr,
					"name", s.DisplayName,
					"state", s.State,
					"client", s.ClientState,
					"backend", s.BackendState,
					"age", time.Since(s.CreatedAt).Round(time.Second),
				)
			}
		}
	}
}
