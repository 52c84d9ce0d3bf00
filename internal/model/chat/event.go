package chat

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidEvent marks an inbound event that cannot be attributed to a conversation.
var ErrInvalidEvent = errors.New("invalid inbound event")

// InboundEvent is the transport-neutral form of a message addressed to the assistant.
type InboundEvent struct {
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"threadTs,omitempty"`
	User     string `json:"user,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Reply is one outbound fragment addressed to a thread.
type Reply struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"threadTs"`
	Text     string `json:"text"`
	Fallback string `json:"fallback,omitempty"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
}

var decimalTS = regexp.MustCompile(`^(\d+)(?:\.(\d+))?$`)

// Validate reports which required field is missing, if any.
func (e InboundEvent) Validate() error {
	if err := e.validateAddress(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("%w: missing text", ErrInvalidEvent)
	}
	return nil
}

func (e InboundEvent) validateAddress() error {
	switch {
	case strings.TrimSpace(e.Channel) == "":
		return fmt.Errorf("%w: missing channel", ErrInvalidEvent)
	case strings.TrimSpace(e.TS) == "":
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

// ThreadRoot returns the reference replies must be addressed to. Top-level
// events start a new thread rooted at themselves.
func (e InboundEvent) ThreadRoot() string {
	if ref := strings.TrimSpace(e.ThreadTS); ref != "" {
		return ref
	}
	return strings.TrimSpace(e.TS)
}

// ConversationID derives the session key of the event. The root message of a
// thread and every reply inside it resolve to the same key.
func (e InboundEvent) ConversationID() (ConversationID, error) {
	if err := e.validateAddress(); err != nil {
		return "", err
	}
	return ConversationID(strings.TrimSpace(e.Channel) + ":" + CanonicalRef(e.ThreadRoot())), nil
}

// CanonicalRef normalizes a thread or message reference. Decimal timestamps
// are rewritten with exactly six fractional digits so "1700000000.5" and
// "1700000000.500000" collapse; other references are only trimmed.
func CanonicalRef(ref string) string {
	ref = strings.TrimSpace(ref)
	m := decimalTS.FindStringSubmatch(ref)
	if m == nil {
		return ref
	}
	frac := m[2]
	if len(frac) > 6 {
		frac = frac[:6]
	}
	return m[1] + "." + frac + strings.Repeat("0", 6-len(frac))
}
