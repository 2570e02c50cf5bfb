package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/cua/internal/agent"
	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/internal/gateway"
	"github.com/haasonsaas/cua/internal/observability"
	"github.com/haasonsaas/cua/internal/sessions"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		mode       string
		host       string
		port       int
		peerID     string
		poolSize   int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy (HTTP, WebRTC, or both)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return configErr(err)
			}
			if mode != "" {
				cfg.Server.Mode = mode
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if peerID != "" {
				cfg.Server.PeerID = peerID
			}
			if poolSize > 0 {
				cfg.Pool.Size = poolSize
			}
			if err := cfg.Validate(); err != nil {
				return configErr(err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "cua.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&mode, "mode", "", "Transports to serve: http, p2p or both")
	cmd.Flags().StringVar(&host, "host", "", "Bind host")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port")
	cmd.Flags().StringVar(&peerID, "peer-id", "", "Peer ID announced on the WebRTC surface")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "Maximum concurrently open computers")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	pool := sessions.NewPool(cfg.Pool.Size, cfg.Pool.AcquireTimeout, metrics)
	manager := sessions.NewManager(pool, cfg.Session, logger, metrics)
	server := gateway.NewServer(cfg, manager, agent.DefaultRegistry(), logger, metrics)

	mux := http.NewServeMux()
	var p2p *gateway.P2PServer
	switch cfg.Server.Mode {
	case "http":
		mux.Handle("/", server.Routes())
	case "p2p":
		p2p = gateway.NewP2PServer(server, cfg.Server.PeerID)
		mux.Handle("/", p2p.Routes())
	case "both":
		p2p = gateway.NewP2PServer(server, cfg.Server.PeerID)
		mux.Handle("/webrtc/", p2p.Routes())
		mux.Handle("/", server.Routes())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info(ctx, "serving", "addr", addr, "mode", cfg.Server.Mode, "pool_size", cfg.Pool.Size)

	httpServer := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	interrupted := false
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			manager.Shutdown(context.Background())
			return runtimeErr(err)
		}
	case <-ctx.Done():
		interrupted = true
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if p2p != nil {
		p2p.Close()
	}
	manager.Shutdown(shutdownCtx)

	if interrupted {
		return context.Canceled
	}
	return nil
}
