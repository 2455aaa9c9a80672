package speech

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// CommandSynthesizer speaks through the platform speech command: "say" on
// macOS, espeak-ng or espeak elsewhere.
type CommandSynthesizer struct {
	bin    string
	rate   int
	lang   string
	logger zerolog.Logger
}

// NewCommandSynthesizer picks the first available speech command. rate is
// in words per minute; 0 keeps the engine default.
func NewCommandSynthesizer(rate int, lang string, logger zerolog.Logger) *CommandSynthesizer {
	s := &CommandSynthesizer{rate: rate, lang: lang, logger: logger.With().Str("provider", "command-tts").Logger()}
	candidates := []string{"espeak-ng", "espeak"}
	if runtime.GOOS == "darwin" {
		candidates = []string{"say"}
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			s.bin = c
			break
		}
	}
	return s
}

// IsAvailable reports whether a speech command was found.
func (s *CommandSynthesizer) IsAvailable() bool { return s.bin != "" }

func (s *CommandSynthesizer) args(text string, voice Voice) []string {
	var args []string
	switch s.bin {
	case "say":
		if voice.Name != "" {
			args = append(args, "-v", voice.Name)
		}
		if s.rate > 0 {
			args = append(args, "-r", strconv.Itoa(s.rate))
		}
		return append(args, strings.TrimLeft(text, "-"))
	default:
		switch {
		case voice.Lang != "":
			args = append(args, "-v", voice.Lang)
		case s.lang != "":
			args = append(args, "-v", normLang(s.lang))
		}
		if s.rate > 0 {
			args = append(args, "-s", strconv.Itoa(s.rate))
		}
	}
	return append(args, "--", text)
}

func (s *CommandSynthesizer) Speak(ctx context.Context, text string, voice Voice) error {
	if s.bin == "" {
		return ErrPlaybackUnavailable
	}
	s.logger.Debug().Str("voice", voice.Name).Int("chars", len(text)).Msg("speaking")
	cmd := exec.CommandContext(ctx, s.bin, s.args(text, voice)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", s.bin, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *CommandSynthesizer) Voices(ctx context.Context) ([]Voice, error) {
	switch s.bin {
	case "":
		return nil, ErrPlaybackUnavailable
	case "say":
		out, err := exec.CommandContext(ctx, "say", "-v", "?").Output()
		if err != nil {
			return nil, fmt.Errorf("list voices: %w", err)
		}
		return parseSayVoices(out), nil
	default:
		out, err := exec.CommandContext(ctx, s.bin, "--voices").Output()
		if err != nil {
			return nil, fmt.Errorf("list voices: %w", err)
		}
		return parseEspeakVoices(out), nil
	}
}

// "Daniel              en_GB    # Hello! My name is Daniel."
var sayVoiceLine = regexp.MustCompile(`^(.+?)\s+([a-z]{2,3}[_-][A-Za-z0-9]+)\s+#`)

func parseSayVoices(out []byte) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := sayVoiceLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		voices = append(voices, Voice{
			Name:  strings.TrimSpace(m[1]),
			Lang:  strings.ReplaceAll(m[2], "_", "-"),
			Local: true,
		})
	}
	return voices
}

// " 5  en-gb          --/M      English_(Great_Britain) gmw/en   (en 2)"
func parseEspeakVoices(out []byte) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		f := strings.Fields(sc.Text())
		if len(f) < 4 {
			continue
		}
		voices = append(voices, Voice{Name: f[3], Lang: f[1], Local: true})
	}
	return voices
}
