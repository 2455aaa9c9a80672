// Package news fetches top headlines for the welcome screen.
package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNotConfigured means no API key is set.
var ErrNotConfigured = errors.New("news api key not configured")

// Article is one headline.
type Article struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Config configures a Client.
type Config struct {
	BaseURL  string // default https://newsapi.org/v2
	APIKey   string
	Country  string // ISO 3166 code, default us
	PageSize int    // default 5
	CacheTTL time.Duration
	Timeout  time.Duration
}

// Client reads NewsAPI top headlines. Results are cached per country for
// CacheTTL and concurrent fetches share one request.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *expirable.LRU[string, []Article]
	group  singleflight.Group
	logger zerolog.Logger
}

// NewClient builds a client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://newsapi.org/v2"
	}
	if cfg.Country == "" {
		cfg.Country = "us"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  expirable.NewLRU[string, []Article](8, nil, cfg.CacheTTL),
		logger: logger.With().Str("component", "news").Logger(),
	}
}

// TopHeadlines returns up to PageSize headlines, from cache when fresh.
func (c *Client) TopHeadlines(ctx context.Context) ([]Article, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if articles, ok := c.cache.Get(c.cfg.Country); ok {
		return clone(articles), nil
	}
	v, err, _ := c.group.Do(c.cfg.Country, func() (any, error) {
		articles, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.Add(c.cfg.Country, articles)
		return articles, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]Article)), nil
}

// Refresh drops the cached headlines and fetches them again.
func (c *Client) Refresh(ctx context.Context) ([]Article, error) {
	c.cache.Remove(c.cfg.Country)
	return c.TopHeadlines(ctx)
}

type apiResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string    `json:"title"`
		Description string    `json:"description"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"publishedAt"`
	} `json:"articles"`
}

func (c *Client) fetch(ctx context.Context) ([]Article, error) {
	q := url.Values{}
	q.Set("country", c.cfg.Country)
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/top-headlines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch headlines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read headlines: %w", err)
	}
	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode headlines (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Status == "error" {
		return nil, fmt.Errorf("newsapi responded with %d: %s", resp.StatusCode, out.Message)
	}

	articles := make([]Article, 0, c.cfg.PageSize)
	for _, a := range out.Articles {
		if a.Title == "" || a.URL == "" {
			continue
		}
		articles = append(articles, Article{
			Title:       a.Title,
			Source:      a.Source.Name,
			Description: a.Description,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
		})
		if len(articles) == c.cfg.PageSize {
			break
		}
	}
	c.logger.Debug().Int("articles", len(articles)).Dur("took", time.Since(start)).Msg("headlines fetched")
	return articles, nil
}

func clone(a []Article) []Article {
	return append([]Article(nil), a...)
}
