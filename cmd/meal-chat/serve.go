package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mcp-meal-chat/internal/server"
)

var (
	transport string
	port      int
	host      string
	address   string
	inProcess bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat tool endpoint and the meal persistence API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&transport, "transport", "http", "Transport mode: http")
	serveCmd.Flags().IntVar(&port, "port", 8011, "Port for HTTP transport")
	serveCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host address")
	serveCmd.Flags().StringVar(&address, "address", "", "Address (alias for host)")
	serveCmd.Flags().BoolVar(&inProcess, "in-process", false, "Write meals straight to the local database instead of the persistence API")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Server.Transport = transport
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	// Use address if provided, otherwise use host
	if address != "" {
		cfg.Server.Host = address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := []server.Option{server.WithLogger(log)}
	if inProcess {
		opts = append(opts, server.WithInProcessPersistence())
	}
	srv, err := server.NewMealChatServer(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		return srv.ExpireSessions(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	return g.Wait()
}
