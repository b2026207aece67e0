package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"import-desk/logging"
	"import-desk/mcp"
	"import-desk/server"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd runs the HTTP API until interrupted.
type ServeCmd struct {
	Listen string `help:"Listen address (overrides config listen)"`
}

// Run implements the serve command execution
func (s *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.Listen = s.Listen
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		rt.Close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	srv := server.New(rt.manager, logging.NewLogger("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(listener)
	})
	g.Go(func() error {
		rt.delivery.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rt.log.WithError(err).Warn("server shutdown incomplete")
		}
		return rt.Close(shutdownCtx)
	})

	return g.Wait()
}

// MCPCmd runs the MCP server over stdio.
type MCPCmd struct{}

// Run implements the mcp command execution
func (m *MCPCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			rt.log.WithError(err).Warn("MCP shutdown incomplete")
		}
	}()

	go rt.delivery.RunSweeper(ctx, cfg.SweepInterval)
	return mcp.Serve(ctx, cfg, mcp.Deps{Manager: rt.manager, History: rt.history})
}
