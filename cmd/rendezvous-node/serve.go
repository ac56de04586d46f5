// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bluheir/cacophoney-lib/internal/logger"
	"github.com/Bluheir/cacophoney-lib/internal/metrics"
	"github.com/Bluheir/cacophoney-lib/node"
	"github.com/Bluheir/cacophoney-lib/transport/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rendezvous accept loop until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.Logging)
	if cfg.Node.ChallengeTTLMillis != 0 {
		node.ChallengeTTL = cfg.Node.ChallengeTTLMillis
	}

	endpoint, err := buildEndpoint(cfg.Node)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	n := node.NewNode(endpoint, serverInfo(cfg.Node), log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		n.Shutdown()
	}()

	if ws, ok := endpoint.(*websocket.Endpoint); ok {
		mux := http.NewServeMux()
		mux.Handle("/rendezvous", ws.Handler())
		if cfg.Metrics.Enabled {
			mux.Handle(cfg.Metrics.Path, metrics.Handler())
		}
		if cfg.Health.Enabled {
			mux.HandleFunc(cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
		}

		httpServer := &http.Server{Addr: cfg.Node.ListenAddress, Handler: mux}
		go func() {
			log.Info("rendezvous node listening", logger.String("addr", cfg.Node.ListenAddress), logger.String("transport", "websocket"))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server exited", logger.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			_ = httpServer.Close()
		}()
	} else {
		log.Info("rendezvous node listening", logger.String("addr", cfg.Node.ListenAddress), logger.String("transport", cfg.Node.Transport))
	}

	for {
		conn, err := n.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down")
				return nil
			}
			log.Warn("accept failed", logger.Error(err))
			continue
		}
		go serveConnection(ctx, n, conn, log)
	}
}

func serveConnection(ctx context.Context, n *node.Node, conn *node.NodeConnection, log logger.Logger) {
	if err := n.Serve(ctx, conn); err != nil {
		log.Debug("connection closed", logger.Error(err))
	}
}
