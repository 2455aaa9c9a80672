// Package desktop runs local side effects requested by assistant replies.
package desktop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound means no installed application matched the name.
	ErrNotFound = errors.New("application not found")
	// ErrUnsupported means this platform has no way to launch applications.
	ErrUnsupported = errors.New("launching applications not supported on this platform")
	// ErrInvalidName rejects names that could be read as command flags,
	// paths or shell syntax.
	ErrInvalidName = errors.New("invalid application name")
)

// Runner executes one command to completion.
type Runner func(ctx context.Context, name string, args ...string) error

// Launcher opens applications by name using the platform's launcher.
type Launcher struct {
	goos    string
	timeout time.Duration
	run     Runner
	appDirs []string // directories holding .desktop entries (linux)
	logger  zerolog.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithRunner replaces command execution.
func WithRunner(r Runner) Option {
	return func(l *Launcher) { l.run = r }
}

// WithPlatform overrides runtime.GOOS.
func WithPlatform(goos string) Option {
	return func(l *Launcher) { l.goos = goos }
}

// WithApplicationDirs replaces the XDG application directories searched
// for .desktop entries.
func WithApplicationDirs(dirs ...string) Option {
	return func(l *Launcher) { l.appDirs = dirs }
}

// NewLauncher builds a launcher for the current platform.
func NewLauncher(logger zerolog.Logger, opts ...Option) *Launcher {
	l := &Launcher{
		goos:    runtime.GOOS,
		timeout: 10 * time.Second,
		run:     runCommand,
		appDirs: xdgApplicationDirs(),
		logger:  logger.With().Str("component", "desktop").Logger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// xdgApplicationDirs lists $XDG_DATA_HOME/applications followed by
// applications/ under each $XDG_DATA_DIRS entry.
func xdgApplicationDirs() []string {
	home := os.Getenv("XDG_DATA_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".local", "share")
		}
	}
	dataDirs := os.Getenv("XDG_DATA_DIRS")
	if dataDirs == "" {
		dataDirs = "/usr/local/share:/usr/share"
	}
	var dirs []string
	if home != "" {
		dirs = append(dirs, filepath.Join(home, "applications"))
	}
	for _, d := range filepath.SplitList(dataDirs) {
		if d != "" {
			dirs = append(dirs, filepath.Join(d, "applications"))
		}
	}
	return dirs
}

// forbidden are characters a shell or launcher could interpret.
const forbidden = "&|;<>^\"%'`$*?()[]{}!~=/\\"

// ValidName reports whether name is a plain application name: printable,
// not flag-like, no path separators and no shell syntax.
func ValidName(name string) bool {
	if name == "" || len(name) > 100 || strings.HasPrefix(name, "-") || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbidden, r) {
			return false
		}
	}
	return true
}

// desktopEntry returns the id of an installed .desktop entry matching name.
// "Visual Studio Code" matches visual-studio-code.desktop and
// org.gnome.Calculator.desktop matches "calculator".
func (l *Launcher) desktopEntry(name string) (string, bool) {
	want := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	for _, dir := range l.appDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			file := e.Name()
			if e.IsDir() || !strings.HasSuffix(file, ".desktop") {
				continue
			}
			id := strings.TrimSuffix(file, ".desktop")
			lower := strings.ToLower(id)
			if lower == want || strings.HasSuffix(lower, "."+want) {
				return id, true
			}
		}
	}
	return "", false
}

// OpenApplication launches the application called name. It returns false
// with ErrNotFound when nothing matched and ErrUnsupported on platforms
// without a launcher. Names never reach a shell.
func (l *Launcher) OpenApplication(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if !ValidName(name) {
		return false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var argv []string
	switch l.goos {
	case "darwin":
		argv = []string{"open", "-a", name}
	case "linux":
		id, ok := l.desktopEntry(name)
		if !ok {
			return false, fmt.Errorf("%w: %s: no desktop entry", ErrNotFound, name)
		}
		argv = []string{"gtk-launch", id}
	case "windows":
		argv = []string{"explorer.exe", name}
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupported, l.goos)
	}

	if err := l.run(ctx, argv[0], argv[1:]...); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		l.logger.Debug().Err(err).Str("app", name).Str("via", argv[0]).Msg("launch failed")
		return false, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
	}
	l.logger.Info().Str("app", name).Str("via", argv[0]).Msg("application opened")
	return true, nil
}
