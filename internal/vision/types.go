// Package vision samples the screen on a fixed period and keeps the text
// recognised in the most recent frame, for use as conversational context.
package vision

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	// ErrScreenNotAvailable means no screen capture method works here.
	ErrScreenNotAvailable = errors.New("screen capture not available")
	// ErrPermissionDenied means the OS refused screen capture.
	ErrPermissionDenied = errors.New("screen capture permission denied")
	// ErrOCRNotAvailable means the text recognizer is missing.
	ErrOCRNotAvailable = errors.New("text recognition not available")
)

// Frame is one captured screen image.
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// FrameSource opens a display stream.
type FrameSource interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields frames until closed.
type Stream interface {
	Frame(ctx context.Context) (*Frame, error)
	Close() error
}

// TextRecognizer extracts text from a frame.
type TextRecognizer interface {
	Recognize(ctx context.Context, f *Frame) (string, error)
}
