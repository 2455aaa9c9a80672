// Package reasoning talks to the remote service that answers user queries.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nomix/foxy/internal/conversation"
)

var (
	// ErrMalformedResponse means the service answered with an unusable body.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNotConfigured means the client is missing its endpoint or key.
	ErrNotConfigured = errors.New("reasoning service not configured")
)

// Request is one query to the service.
type Request struct {
	Query          string
	History        []conversation.Turn
	Mode           conversation.Mode
	UserName       string
	IsFirstMessage bool
	Image          string // data URL, optional
}

// Reply is the service's answer.
type Reply struct {
	Text           string
	IsCommand      bool
	Command        string
	AppName        string
	Greeting       string
	GeneratedTitle string
}

// Reasoner answers a Request.
type Reasoner interface {
	Complete(ctx context.Context, req *Request) (*Reply, error)
	Name() string
}

// Titler generates a short title for a conversation's first query.
type Titler interface {
	Title(ctx context.Context, query string) (string, error)
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d %s", e.Code, http.StatusText(e.Code))
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Retryable reports whether err is worth one more attempt: transport
// failures, timeouts and 5xx/429 answers. Malformed bodies and 4xx are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
