// Package config provides configuration management for Foxy.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Quota   QuotaConfig   `mapstructure:"quota" yaml:"quota"`
	Speech  SpeechConfig  `mapstructure:"speech" yaml:"speech"`
	Vision  VisionConfig  `mapstructure:"vision" yaml:"vision"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Bridge  BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
	News    NewsConfig    `mapstructure:"news" yaml:"news"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// RemoteConfig configures the reasoning service.
type RemoteConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"` // proxy or openai
	ProxyURL          string        `mapstructure:"proxy_url" yaml:"proxy_url"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Model             string        `mapstructure:"model" yaml:"model"`
	TitleModel        string        `mapstructure:"title_model" yaml:"title_model"`
	VisionModel       string        `mapstructure:"vision_model" yaml:"vision_model"` // used for turns with an image
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TitleTimeout      time.Duration `mapstructure:"title_timeout" yaml:"title_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// QuotaConfig configures the guest usage limit.
type QuotaConfig struct {
	GuestDailyLimit int `mapstructure:"guest_daily_limit" yaml:"guest_daily_limit"`
}

// SpeechConfig configures capture, transcription and playback.
type SpeechConfig struct {
	Language          string   `mapstructure:"language" yaml:"language"`
	PreferredVendor   string   `mapstructure:"preferred_vendor" yaml:"preferred_vendor"`
	PreferredRegions  []string `mapstructure:"preferred_regions" yaml:"preferred_regions"`
	QualityMarkers    []string `mapstructure:"quality_markers" yaml:"quality_markers"`
	Rate              int      `mapstructure:"rate" yaml:"rate"` // words per minute, 0 = engine default
	RecordCommand     []string `mapstructure:"record_command" yaml:"record_command"`
	STTModel          string   `mapstructure:"stt_model" yaml:"stt_model"`
	STTBaseURL        string   `mapstructure:"stt_base_url" yaml:"stt_base_url"`
	MinAudioBytes     int      `mapstructure:"min_audio_bytes" yaml:"min_audio_bytes"`
	MaxSilenceRetries int      `mapstructure:"max_silence_retries" yaml:"max_silence_retries"`
}

// VisionConfig configures screen sampling and OCR.
type VisionConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxTextLength  int           `mapstructure:"max_text_length" yaml:"max_text_length"`
	MaxWidth       int           `mapstructure:"max_width" yaml:"max_width"`
	CaptureCommand []string      `mapstructure:"capture_command" yaml:"capture_command"`
	TesseractPath  string        `mapstructure:"tesseract_path" yaml:"tesseract_path"`
	OCRLanguages   string        `mapstructure:"ocr_languages" yaml:"ocr_languages"`
}

// StorageConfig configures the local key-value store.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// BridgeConfig configures the UI websocket bridge.
type BridgeConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	// AllowedOrigins lists browser origins that may open the websocket.
	// Clients that send no Origin header (native UIs, CLIs) are always
	// accepted.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// NewsConfig configures the welcome screen headlines.
type NewsConfig struct {
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	Country  string        `mapstructure:"country" yaml:"country"`
	PageSize int           `mapstructure:"page_size" yaml:"page_size"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Level   string `mapstructure:"level" yaml:"level"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultConfig returns the built-in defaults rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Remote: RemoteConfig{
			Backend:      "openai",
			ProxyURL:     "",
			BaseURL:      "https://api.groq.com/openai/v1",
			Model:        "llama-3.1-8b-instant",
			TitleModel:   "llama-3.1-8b-instant",
			VisionModel:  "meta-llama/llama-4-scout-17b-16e-instruct",
			Timeout:      30 * time.Second,
			TitleTimeout: 5 * time.Second,
			RetryDelay:   time.Second,
		},
		Quota: QuotaConfig{
			GuestDailyLimit: 10,
		},
		Speech: SpeechConfig{
			Language:          "en-US",
			PreferredVendor:   "Google",
			PreferredRegions:  []string{"en-GB", "en-US"},
			QualityMarkers:    []string{"Premium", "Natural", "Enhanced"},
			RecordCommand:     []string{"rec", "-q", "-c", "1", "-r", "16000", "{output}", "silence", "1", "0.1", "1%", "1", "1.5", "1%", "trim", "0", "15"},
			STTModel:          "whisper-large-v3-turbo",
			STTBaseURL:        "https://api.groq.com/openai/v1",
			MinAudioBytes:     4096,
			MaxSilenceRetries: 3,
		},
		Vision: VisionConfig{
			Interval:      5 * time.Second,
			MaxTextLength: 1000,
			MaxWidth:      1600,
			TesseractPath: "tesseract",
			OCRLanguages:  "eng",
		},
		Storage: StorageConfig{
			Path: filepath.Join(dir, "foxy.db"),
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:7890",
		},
		News: NewsConfig{
			BaseURL:  "https://newsapi.org/v2",
			Country:  "us",
			PageSize: 5,
			CacheTTL: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(dir, "logs"),
			Level: "info",
		},
	}
}

// Loader reads and watches the config file. The zero value is not usable;
// build one with NewLoader.
type Loader struct {
	dir string
	v   *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Dir returns the default config directory, ~/.foxy.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".foxy"), nil
}

// NewLoader returns a Loader rooted at dir. An empty dir means Dir().
func NewLoader(dir string) (*Loader, error) {
	if dir == "" {
		d, err := Dir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	return &Loader{dir: dir, v: viper.New()}, nil
}

// LoadEnv loads .env files from the config directory and the working
// directory. Variables already present in the environment win.
func (l *Loader) LoadEnv() error {
	for _, p := range []string{filepath.Join(l.dir, ".env"), ".env"} {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Load reads config.yaml from the config directory, creating it with defaults
// if it does not exist, then applies FOXY_* environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig(l.dir)
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return cfg, err
	}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath(l.dir)

	l.v.SetEnvPrefix("FOXY")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	setDefaults(l.v, cfg)

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, err
		}
		if err := l.Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return cfg, err
	}
	applyKeyFallbacks(cfg)

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the most recently loaded config.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Save writes cfg to config.yaml in the config directory.
func (l *Loader) Save(cfg *Config) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	w := viper.New()
	w.Set("remote", cfg.Remote)
	w.Set("quota", cfg.Quota)
	w.Set("speech", cfg.Speech)
	w.Set("vision", cfg.Vision)
	w.Set("storage", cfg.Storage)
	w.Set("bridge", cfg.Bridge)
	w.Set("news", cfg.News)
	w.Set("logging", cfg.Logging)
	return w.WriteConfigAs(filepath.Join(l.dir, "config.yaml"))
}

// Watch re-reads the config file whenever it changes on disk and hands the
// new value to fn.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := DefaultConfig(l.dir)
		if err := l.v.Unmarshal(cfg); err != nil {
			return
		}
		applyKeyFallbacks(cfg)
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		fn(cfg)
	})
	l.v.WatchConfig()
}

// setDefaults registers every key so AutomaticEnv can override nested values
// that are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("remote.backend", cfg.Remote.Backend)
	v.SetDefault("remote.proxy_url", cfg.Remote.ProxyURL)
	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.api_key", cfg.Remote.APIKey)
	v.SetDefault("remote.model", cfg.Remote.Model)
	v.SetDefault("remote.title_model", cfg.Remote.TitleModel)
	v.SetDefault("remote.vision_model", cfg.Remote.VisionModel)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.title_timeout", cfg.Remote.TitleTimeout)
	v.SetDefault("remote.retry_delay", cfg.Remote.RetryDelay)
	v.SetDefault("remote.requests_per_minute", cfg.Remote.RequestsPerMinute)
	v.SetDefault("quota.guest_daily_limit", cfg.Quota.GuestDailyLimit)
	v.SetDefault("speech.language", cfg.Speech.Language)
	v.SetDefault("speech.max_silence_retries", cfg.Speech.MaxSilenceRetries)
	v.SetDefault("vision.interval", cfg.Vision.Interval)
	v.SetDefault("vision.max_text_length", cfg.Vision.MaxTextLength)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("bridge.listen", cfg.Bridge.Listen)
	v.SetDefault("bridge.allowed_origins", cfg.Bridge.AllowedOrigins)
	v.SetDefault("news.api_key", cfg.News.APIKey)
	v.SetDefault("news.base_url", cfg.News.BaseURL)
	v.SetDefault("news.country", cfg.News.Country)
	v.SetDefault("news.page_size", cfg.News.PageSize)
	v.SetDefault("news.cache_ttl", cfg.News.CacheTTL)
	v.SetDefault("logging.level", cfg.Logging.Level)
}

// applyKeyFallbacks fills API keys from the providers' conventional
// variables when none is configured.
func applyKeyFallbacks(cfg *Config) {
	if cfg.Remote.APIKey == "" {
		cfg.Remote.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if cfg.News.APIKey == "" {
		cfg.News.APIKey = os.Getenv("NEWS_API_KEY")
	}
}
