package vision

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// TesseractRecognizer runs the tesseract CLI on each frame.
type TesseractRecognizer struct {
	path      string
	languages string
	logger    zerolog.Logger
}

// NewTesseractRecognizer builds a recognizer. An empty path means
// "tesseract" on PATH.
func NewTesseractRecognizer(path, languages string, logger zerolog.Logger) *TesseractRecognizer {
	if path == "" {
		path = "tesseract"
	}
	return &TesseractRecognizer{
		path:      path,
		languages: languages,
		logger:    logger.With().Str("provider", "tesseract").Logger(),
	}
}

// IsAvailable reports whether tesseract runs.
func (t *TesseractRecognizer) IsAvailable(ctx context.Context) bool {
	return exec.CommandContext(ctx, t.path, "--version").Run() == nil
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, f *Frame) (string, error) {
	if _, err := exec.LookPath(t.path); err != nil {
		return "", ErrOCRNotAvailable
	}

	tmp, err := os.CreateTemp("", "foxy-ocr-*.png")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := png.Encode(tmp, f.Image); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode frame: %w", err)
	}
	tmp.Close()

	// "stdout" as the output base makes tesseract print the text.
	args := []string{tmp.Name(), "stdout"}
	if t.languages != "" {
		args = append(args, "-l", t.languages)
	}
	cmd := exec.CommandContext(ctx, t.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		t.logger.Warn().Err(err).Str("stderr", stderr.String()).Msg("tesseract failed")
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return normalizeText(stdout.String()), nil
}

// normalizeText collapses runs of blank lines and trailing spaces.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, " \t\r\f")
		if l == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
