package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nomix/foxy/internal/bridge"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the websocket bridge and metrics for a UI",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides bridge.listen)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Bridge.Listen
	if serveListen != "" {
		addr = serveListen
	}
	srv := bridge.New(a.orch, a.bus, a.logs, a.logs.Component("bridge"),
		bridge.WithAllowedOrigins(a.cfg.Bridge.AllowedOrigins...))
	if err := srv.Start(ctx, addr); err != nil {
		return err
	}
	defer srv.Close()

	cmd.Printf("bridge listening on ws://%s/ws\n", srv.Addr())
	<-ctx.Done()
	return nil
}
