package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// Transcriber turns a recorded audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// WhisperTranscriber calls an OpenAI-compatible transcription endpoint
// (Groq by default).
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	language string
}

// NewWhisperTranscriber builds a transcriber. An empty apiKey falls back to
// GROQ_API_KEY.
func NewWhisperTranscriber(baseURL, apiKey, model, language string) *WhisperTranscriber {
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: langPrefix(language),
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: path,
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// CommandRecognizer records one utterance with an external recorder (sox
// "rec" by default) and transcribes it. The placeholder {output} in the
// command is replaced with the recording path.
type CommandRecognizer struct {
	command     []string
	minBytes    int
	transcriber Transcriber
	logger      zerolog.Logger
}

// NewCommandRecognizer builds a recognizer. minBytes is the smallest
// recording treated as speech.
func NewCommandRecognizer(command []string, minBytes int, t Transcriber, logger zerolog.Logger) *CommandRecognizer {
	return &CommandRecognizer{
		command:     command,
		minBytes:    minBytes,
		transcriber: t,
		logger:      logger.With().Str("provider", "command-recognizer").Logger(),
	}
}

// IsAvailable reports whether the recorder binary is on PATH.
func (r *CommandRecognizer) IsAvailable() bool {
	if len(r.command) == 0 {
		return false
	}
	_, err := exec.LookPath(r.command[0])
	return err == nil
}

func (r *CommandRecognizer) Recognize(ctx context.Context) (string, error) {
	if !r.IsAvailable() {
		return "", ErrCaptureUnavailable
	}

	dir, err := os.MkdirTemp("", "foxy-capture-*")
	if err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "utterance.wav")

	args := make([]string, 0, len(r.command)-1)
	for _, a := range r.command[1:] {
		args = append(args, strings.ReplaceAll(a, "{output}", out))
	}

	cmd := exec.CommandContext(ctx, r.command[0], args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Debug().Str("output", string(output)).Msg("recorder failed")
		return "", fmt.Errorf("record: %w", err)
	}

	info, err := os.Stat(out)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() < int64(r.minBytes)) {
		return "", ErrNoSpeech
	}
	if err != nil {
		return "", fmt.Errorf("stat recording: %w", err)
	}

	text, err := r.transcriber.Transcribe(ctx, out)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
