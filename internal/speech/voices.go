package speech

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// VoicePolicy ranks synthesizer voices.
type VoicePolicy struct {
	Language       string   // e.g. en-US
	Vendor         string   // preferred vendor name fragment, e.g. Google
	Regions        []string // preferred vendor regions in order
	QualityMarkers []string // name fragments marking high quality voices
}

// DefaultVoicePolicy prefers Google English voices, then premium ones.
func DefaultVoicePolicy() VoicePolicy {
	return VoicePolicy{
		Language:       "en-US",
		Vendor:         "Google",
		Regions:        []string{"en-GB", "en-US"},
		QualityMarkers: []string{"Premium", "Natural", "Enhanced"},
	}
}

func normLang(l string) string {
	return strings.ToLower(strings.ReplaceAll(l, "_", "-"))
}

func langPrefix(l string) string {
	l = normLang(l)
	if i := strings.IndexByte(l, '-'); i > 0 {
		return l[:i]
	}
	return l
}

// SelectVoice picks the best voice for p. Order: vendor voice in a preferred
// region, a quality-marked voice, a local voice for the exact language, any
// voice sharing the language prefix. It reports false when nothing matched.
func SelectVoice(voices []Voice, p VoicePolicy) (Voice, bool) {
	if p.Vendor != "" {
		for _, region := range p.Regions {
			for _, v := range voices {
				if strings.Contains(v.Name, p.Vendor) && strings.HasPrefix(normLang(v.Lang), normLang(region)) {
					return v, true
				}
			}
		}
	}
	for _, v := range voices {
		for _, m := range p.QualityMarkers {
			if m != "" && strings.Contains(v.Name, m) {
				return v, true
			}
		}
	}
	want := normLang(p.Language)
	for _, v := range voices {
		if v.Local && normLang(v.Lang) == want {
			return v, true
		}
	}
	prefix := langPrefix(p.Language)
	for _, v := range voices {
		if prefix != "" && strings.HasPrefix(normLang(v.Lang), prefix) {
			return v, true
		}
	}
	return Voice{}, false
}

// Catalog loads the synthesizer's voices once in the background. Ready is
// closed when loading finishes, successfully or not.
type Catalog struct {
	ready  chan struct{}
	mu     sync.RWMutex
	voices []Voice
	err    error
}

// LoadCatalog starts loading voices from s.
func LoadCatalog(ctx context.Context, s Synthesizer, logger zerolog.Logger) *Catalog {
	c := &Catalog{ready: make(chan struct{})}
	go func() {
		defer close(c.ready)
		voices, err := s.Voices(ctx)
		c.mu.Lock()
		c.voices, c.err = voices, err
		c.mu.Unlock()
		if err != nil {
			logger.Warn().Err(err).Msg("voice catalog unavailable, using engine default")
			return
		}
		logger.Debug().Int("voices", len(voices)).Msg("voice catalog loaded")
	}()
	return c
}

// StaticCatalog returns an already-loaded catalog.
func StaticCatalog(voices []Voice) *Catalog {
	c := &Catalog{ready: make(chan struct{}), voices: voices}
	close(c.ready)
	return c
}

// Ready is closed once the catalog has loaded.
func (c *Catalog) Ready() <-chan struct{} { return c.ready }

// Voices returns the loaded voices; nil before Ready or on failure.
func (c *Catalog) Voices() []Voice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.voices
}

// Err returns the load error, if any.
func (c *Catalog) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}
