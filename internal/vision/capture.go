package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCaptureCommand returns the screenshot command for this platform.
// {output} is replaced with the target PNG path.
func DefaultCaptureCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"screencapture", "-x", "-t", "png", "{output}"}
	case "linux":
		if os.Getenv("WAYLAND_DISPLAY") != "" {
			return []string{"grim", "{output}"}
		}
		return []string{"import", "-window", "root", "{output}"}
	default:
		return nil
	}
}

// CommandSource captures the screen by running a screenshot command.
type CommandSource struct {
	command []string
	logger  zerolog.Logger
}

// NewCommandSource builds a source. An empty command uses
// DefaultCaptureCommand.
func NewCommandSource(command []string, logger zerolog.Logger) *CommandSource {
	if len(command) == 0 {
		command = DefaultCaptureCommand()
	}
	return &CommandSource{
		command: command,
		logger:  logger.With().Str("provider", "command-capture").Logger(),
	}
}

// Open checks the capture command works by taking one probe frame.
func (s *CommandSource) Open(ctx context.Context) (Stream, error) {
	if len(s.command) == 0 {
		return nil, ErrScreenNotAvailable
	}
	if _, err := exec.LookPath(s.command[0]); err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrScreenNotAvailable, s.command[0])
	}
	dir, err := os.MkdirTemp("", "foxy-vision-*")
	if err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	st := &commandStream{src: s, dir: dir}
	if _, err := st.Frame(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

type commandStream struct {
	src *CommandSource
	dir string
}

func (st *commandStream) Frame(ctx context.Context) (*Frame, error) {
	out := filepath.Join(st.dir, "frame.png")
	args := make([]string, 0, len(st.src.command)-1)
	for _, a := range st.src.command[1:] {
		args = append(args, strings.ReplaceAll(a, "{output}", out))
	}

	cmd := exec.CommandContext(ctx, st.src.command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.ToLower(stderr.String())
		if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("capture: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	defer os.Remove(out)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// screencapture writes an empty file when screen recording is denied
		if len(data) == 0 {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("decode capture: %w", err)
	}
	return &Frame{Image: img, CapturedAt: time.Now()}, nil
}

func (st *commandStream) Close() error {
	return os.RemoveAll(st.dir)
}
