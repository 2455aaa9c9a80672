// Package conversation holds the records the assistant keeps about a user:
// sessions, their messages, the signed-in profile and preferences.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects how the remote service answers.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeJarvis Mode = "jarvis"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// DefaultTitle is the title every new session starts with.
const DefaultTitle = "New Conversation"

// CommandStatus reports what happened to a local command.
type CommandStatus string

const (
	CommandOpened    CommandStatus = "opened"
	CommandSimulated CommandStatus = "simulated"
	CommandNotFound  CommandStatus = "not_found"
)

// Command is the local side effect an assistant reply asked for.
type Command struct {
	Name    string        `json:"name"`
	AppName string        `json:"appName,omitempty"`
	Status  CommandStatus `json:"status"`
}

// FallbackText stands in for a reply that never arrived.
const FallbackText = "Neural link disrupted. Check connection."

// Message is one entry in a session.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ImageData string    `json:"imageData,omitempty"`
	IsLoading bool      `json:"isLoading,omitempty"`
	Command   *Command  `json:"command,omitempty"`
}

// Session is an ordered conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      Mode      `json:"mode"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn is one history entry sent to the remote service.
type Turn struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// NewSession creates an empty session in the given mode.
func NewSession(mode Mode, now time.Time) *Session {
	if mode != ModeJarvis {
		mode = ModeChat
	}
	return &Session{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Mode:      mode,
		Messages:  []Message{},
		CreatedAt: now,
	}
}

// NewMessage creates a message with a fresh id.
func NewMessage(sender Sender, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: now,
	}
}

// Clone returns a deep copy. Persisted snapshots and dispatcher inputs are
// always clones so later mutations cannot leak into them.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Command != nil {
			cmd := *m.Command
			m.Command = &cmd
		}
		c.Messages[i] = m
	}
	return &c
}

// IsEmpty reports whether the session has no messages.
func (s *Session) IsEmpty() bool {
	return s == nil || len(s.Messages) == 0
}

// History returns the settled messages as remote history, skipping
// loading placeholders.
func (s *Session) History() []Turn {
	if s == nil {
		return nil
	}
	out := make([]Turn, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.IsLoading {
			continue
		}
		out = append(out, Turn{Sender: m.Sender, Text: m.Text})
	}
	return out
}

// Append adds m to the end of the session.
func (s *Session) Append(m Message) {
	s.Messages = append(s.Messages, m)
}

// Replace overwrites the message with the given id in place. It reports
// false when no such message exists.
func (s *Session) Replace(id string, m Message) bool {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			m.ID = id
			s.Messages[i] = m
			return true
		}
	}
	return false
}

// Pending reports whether any message is still a loading placeholder.
func (s *Session) Pending() bool {
	for _, m := range s.Messages {
		if m.IsLoading {
			return true
		}
	}
	return false
}

// SettleStale replaces loading placeholders left over from an interrupted
// run with text. It returns the number of messages changed.
func (s *Session) SettleStale(text string) int {
	n := 0
	for i := range s.Messages {
		if s.Messages[i].IsLoading {
			s.Messages[i].IsLoading = false
			s.Messages[i].Text = text
			n++
		}
	}
	return n
}

// Prune drops sessions without messages, keeping order.
func Prune(sessions []*Session) []*Session {
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.IsEmpty() {
			out = append(out, s)
		}
	}
	return out
}

// User is the signed-in identity. Guests share one daily quota.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	IsGuest bool   `json:"isGuest"`
}

// Guest returns a fresh guest identity.
func Guest() *User {
	return &User{ID: "guest-" + uuid.NewString(), Name: "Guest", IsGuest: true}
}

// IsAuthenticated reports whether u is a non-guest user. A nil user is a guest.
func (u *User) IsAuthenticated() bool {
	return u != nil && !u.IsGuest
}

// Preferences are the user-editable settings kept alongside sessions.
type Preferences struct {
	UserName    string `json:"userName,omitempty"`
	Theme       string `json:"theme"`
	AccentColor string `json:"accentColor"`
	StudyMode   bool   `json:"studyMode"`
}

// DefaultPreferences returns the settings used before the user changes any.
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:       "dark",
		AccentColor: "6, 182, 212",
	}
}

// DisplayName is the name sent to the remote service.
func (p Preferences) DisplayName() string {
	if p.UserName == "" {
		return "User"
	}
	return p.UserName
}

// QuotaRecord counts guest turns for one calendar day (local time,
// YYYY-MM-DD).
type QuotaRecord struct {
	Count    int    `json:"count"`
	LastDate string `json:"lastDate"`
}
