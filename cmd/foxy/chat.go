package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nomix/foxy/internal/bus"
	"github.com/nomix/foxy/internal/conversation"
	"github.com/nomix/foxy/internal/orchestrator"
)

var (
	chatImage   string
	chatNew     bool
	chatSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message, or start an interactive chat without one",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatImage, "image", "", "attach an image file to the first message")
	chatCmd.Flags().BoolVar(&chatNew, "new", false, "start a new conversation")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "continue the conversation with this id")
}

func runChat(cmd *cobra.Command, args []string) error {
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
	switch {
	case chatSession != "":
		if err := a.orch.SelectSession(chatSession); err != nil {
			return err
		}
	case chatNew:
		if err := a.orch.NewSession(conversation.ModeChat); err != nil {
			return err
		}
	}
	if err := a.orch.SwitchScreen(orchestrator.ScreenChat); err != nil {
		return err
	}

	replies := make(chan conversation.Message, 1)
	a.bus.Subscribe(bus.EventMessageUpdated, func(e bus.Event) {
		if m, ok := e.Data["message"].(conversation.Message); ok {
			replies <- m
		}
	})
	a.bus.Subscribe(bus.EventNotice, func(e bus.Event) {
		fmt.Fprintf(os.Stderr, "! %v\n", e.Data["message"])
	})

	image := ""
	if chatImage != "" {
		if image, err = dataURL(chatImage); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		return ask(ctx, a.orch, replies, out, strings.Join(args, " "), image)
	}

	fmt.Fprintf(out, "Chatting as %s. Ctrl-D to quit.\n", a.orch.Preferences().DisplayName())
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ask(ctx, a.orch, replies, out, line, image); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		image = ""
	}
}

// ask submits one turn and prints the settled reply.
func ask(ctx context.Context, o *orchestrator.Orchestrator, replies <-chan conversation.Message, out io.Writer, text, image string) error {
	if err := o.SubmitText(text, image); err != nil {
		return err
	}
	select {
	case m := <-replies:
		fmt.Fprintln(out, m.Text)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureProfile signs in as a guest and names the user when nothing is
// stored yet, so a first chat does not stop at the sign-in screen.
func ensureProfile(o *orchestrator.Orchestrator) error {
	if o.User() == nil {
		if err := o.SetUser(conversation.Guest()); err != nil {
			return err
		}
	}
	prefs := o.Preferences()
	if prefs.UserName == "" {
		prefs.UserName = o.User().Name
		return o.SetPreferences(prefs)
	}
	return nil
}

func dataURL(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(raw)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}
