package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nomix/foxy/internal/bridge"
	"github.com/nomix/foxy/internal/bus"
	"github.com/nomix/foxy/internal/orchestrator"
)

var (
	voiceVision bool
	voiceBridge bool
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Talk to Foxy hands-free until interrupted",
	RunE:  runVoice,
}

func init() {
	voiceCmd.Flags().BoolVar(&voiceVision, "vision", false, "share on-screen text with each question")
	voiceCmd.Flags().BoolVar(&voiceBridge, "bridge", false, "also serve the UI bridge")
}

func runVoice(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := ensureProfile(a.orch); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	a.bus.SubscribeMultiple([]bus.EventType{
		bus.EventListeningStarted,
		bus.EventTranscript,
		bus.EventSpeakingStarted,
		bus.EventNotice,
	}, func(e bus.Event) {
		switch e.Type {
		case bus.EventListeningStarted:
			fmt.Fprintln(out, "listening...")
		case bus.EventTranscript:
			fmt.Fprintf(out, "you: %v\n", e.Data["text"])
		case bus.EventSpeakingStarted:
			fmt.Fprintf(out, "foxy: %v\n", e.Data["text"])
		case bus.EventNotice:
			fmt.Fprintf(os.Stderr, "! %v\n", e.Data["message"])
		}
	})

	if voiceBridge {
		srv := bridge.New(a.orch, a.bus, a.logs, a.logs.Component("bridge"),
			bridge.WithAllowedOrigins(a.cfg.Bridge.AllowedOrigins...))
		if err := srv.Start(ctx, a.cfg.Bridge.Listen); err != nil {
			return err
		}
		defer srv.Close()
	}

	if err := a.orch.SwitchScreen(orchestrator.ScreenVoice); err != nil {
		return err
	}
	if voiceVision {
		if err := a.orch.StartVision(); err != nil {
			fmt.Fprintf(os.Stderr, "! screen sharing unavailable: %v\n", err)
		}
	}
	if err := a.orch.StartListening(); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
