package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/nomix/foxy/internal/conversation"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	TitleModel  string
	VisionModel string // used when the request carries an image; defaults to Model
	Temperature float32
}

// OpenAIClient answers queries with an OpenAI-compatible chat completion
// API, Groq by default.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger zerolog.Logger
}

// NewOpenAIClient builds a client. An empty key falls back to GROQ_API_KEY.
func NewOpenAIClient(cfg OpenAIConfig, logger zerolog.Logger) *OpenAIClient {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = "llama-3.1-8b-instant"
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = cfg.Model
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With().Str("provider", "openai").Logger(),
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

func systemPrompt(mode conversation.Mode, userName string) string {
	if userName == "" {
		userName = "User"
	}
	base := "You are Foxy, a conversational tutor and desktop assistant created by NOMIX. " +
		"The user's name is " + userName + ". Be educational, friendly and concise."
	if mode != conversation.ModeJarvis {
		return base + " Open with a short acknowledgment, keep the introduction to one or two lines, " +
			"prefer bullet points for explanations, put formulas on their own lines in $$ ... $$ " +
			"and code in a single fenced block."
	}
	return base + " You are speaking aloud, so answer in two or three plain sentences without markdown. " +
		"If any text from the user's screen is included, use it as context. " +
		`Reply with a JSON object: {"text": string, "isCommand": boolean, "command": string, "appName": string, "greeting": string}. ` +
		`When the user asks to open or launch an application set isCommand to true, command to "open_app" and appName to the application name. ` +
		"greeting is an optional short spoken form of text."
}

func (c *OpenAIClient) messages(req *Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(req.Mode, req.UserName),
	})
	for _, t := range req.History {
		role := openai.ChatMessageRoleAssistant
		if t.Sender == conversation.SenderUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if req.Image != "" {
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Query},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    req.Image,
				Detail: openai.ImageURLDetailAuto,
			}},
		}
	} else {
		user.Content = req.Query
	}
	return append(msgs, user)
}

func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Reply, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	model := c.cfg.Model
	if req.Image != "" {
		model = c.cfg.VisionModel
	}
	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    c.messages(req),
		Temperature: c.cfg.Temperature,
	}
	if req.Mode == conversation.ModeJarvis {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	content := resp.Choices[0].Message.Content

	if req.Mode != conversation.ModeJarvis {
		if strings.TrimSpace(content) == "" {
			return nil, fmt.Errorf("%w: empty content", ErrMalformedResponse)
		}
		return &Reply{Text: content}, nil
	}
	return parseStructured(content)
}

type structuredReply struct {
	Text      string `json:"text"`
	IsCommand bool   `json:"isCommand"`
	Command   string `json:"command"`
	AppName   string `json:"appName"`
	Greeting  string `json:"greeting"`
}

var fence = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// parseStructured decodes a JSON-object reply, tolerating a code fence
// around it.
func parseStructured(content string) (*Reply, error) {
	s := strings.TrimSpace(content)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	var sr structuredReply
	if err := json.Unmarshal([]byte(s), &sr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(sr.Text) == "" && strings.TrimSpace(sr.Greeting) == "" {
		return nil, fmt.Errorf("%w: no text", ErrMalformedResponse)
	}
	if sr.Text == "" {
		sr.Text = sr.Greeting
	}
	return &Reply{
		Text:      sr.Text,
		IsCommand: sr.IsCommand,
		Command:   sr.Command,
		AppName:   sr.AppName,
		Greeting:  sr.Greeting,
	}, nil
}

// Title asks for a two or three word title for query.
func (c *OpenAIClient) Title(ctx context.Context, query string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.TitleModel,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: "Summarize this query into a meaningful 2-3 word chat title: " + query,
		}},
		MaxTokens: 15,
	})
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	title := strings.TrimSpace(strings.NewReplacer(`"`, "", "'", "").Replace(resp.Choices[0].Message.Content))
	if title == "" {
		return "", fmt.Errorf("%w: empty title", ErrMalformedResponse)
	}
	return title, nil
}

// mapError turns go-openai HTTP errors into StatusError so retry
// classification does not depend on the client library.
func mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("%w: %s", &StatusError{Code: apiErr.HTTPStatusCode}, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{Code: reqErr.HTTPStatusCode}
	}
	return fmt.Errorf("chat completion: %w", err)
}
