package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// fallbackProxyText is used when the proxy answers without text.
const fallbackProxyText = "I'm processing your request."

type proxyTurn struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type proxyRequest struct {
	Query          string      `json:"query"`
	History        []proxyTurn `json:"history"`
	Mode           string      `json:"mode"`
	UserName       string      `json:"user_name"`
	IsFirstMessage bool        `json:"is_first_message"`
	ImageData      string      `json:"image_data,omitempty"`
}

type proxyResponse struct {
	Text           string  `json:"text"`
	IsCommand      bool    `json:"is_command"`
	Command        string  `json:"command"`
	AppName        string  `json:"app_name"`
	Greeting       string  `json:"greeting"`
	GeneratedTitle *string `json:"generated_title"`
}

// ProxyClient posts queries to the hosted proxy, which holds the API key and
// generates titles itself.
type ProxyClient struct {
	url    string
	http   *http.Client
	logger zerolog.Logger
}

// NewProxyClient builds a client for url. Timeouts are applied per call by
// the caller's context.
func NewProxyClient(url string, logger zerolog.Logger) *ProxyClient {
	return &ProxyClient{
		url:    url,
		http:   &http.Client{},
		logger: logger.With().Str("provider", "proxy").Logger(),
	}
}

func (c *ProxyClient) Name() string { return "proxy" }

func (c *ProxyClient) Complete(ctx context.Context, req *Request) (*Reply, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}

	history := make([]proxyTurn, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, proxyTurn{Sender: string(t.Sender), Text: t.Text})
	}
	body, err := json.Marshal(proxyRequest{
		Query:          req.Query,
		History:        history,
		Mode:           string(req.Mode),
		UserName:       req.UserName,
		IsFirstMessage: req.IsFirstMessage,
		ImageData:      req.Image,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post query: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var pr proxyResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	reply := &Reply{
		Text:      pr.Text,
		IsCommand: pr.IsCommand,
		Command:   pr.Command,
		AppName:   pr.AppName,
		Greeting:  pr.Greeting,
	}
	if reply.Text == "" {
		reply.Text = fallbackProxyText
	}
	if pr.GeneratedTitle != nil {
		reply.GeneratedTitle = *pr.GeneratedTitle
	}
	c.logger.Debug().Int("status", resp.StatusCode).Bool("command", reply.IsCommand).Msg("proxy replied")
	return reply, nil
}
