package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomix/foxy/internal/config"
)

func TestDataURL(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0o644))

	url, err := dataURL(png)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("plain text"), 0o644))
	_, err = dataURL(txt)
	assert.Error(t, err)

	_, err = dataURL(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestRedactLeavesOriginalIntact(t *testing.T) {
	cfg := config.DefaultConfig(t.TempDir())
	cfg.Remote.APIKey = "gsk_secret"

	out := redact(cfg)
	assert.Equal(t, "********", out.Remote.APIKey)
	assert.Equal(t, "gsk_secret", cfg.Remote.APIKey)

	cfg.News.APIKey = "news_secret"
	assert.Equal(t, "********", redact(cfg).News.APIKey)
}

func TestPrintHeadlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "news_test", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "gb", r.URL.Query().Get("country"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","articles":[
			{"title":"Tide tables revised","url":"https://example.com/tide","source":{"name":"Coast Daily"},"publishedAt":"2026-10-16T08:30:00Z"}
		]}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig(t.TempDir()).News
	cfg.BaseURL = srv.URL
	cfg.APIKey = "news_test"
	cfg.Country = "gb"

	var out bytes.Buffer
	require.NoError(t, printHeadlines(context.Background(), &out, cfg))
	assert.Contains(t, out.String(), "Coast Daily")
	assert.Contains(t, out.String(), "Tide tables revised")
	assert.Contains(t, out.String(), "2026-10-16 08:30")

	cfg.APIKey = ""
	err := printHeadlines(context.Background(), &out, cfg)
	assert.ErrorContains(t, err, "NEWS_API_KEY")
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"chat", "voice", "serve", "sessions", "news", "config", "login", "logout"} {
		assert.True(t, names[want], want)
	}
}
