// Package messaging defines the transport-neutral message service and its
// Z-API, Twilio and native WhatsApp implementations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
)

const (
	// DefaultChannelBufferSize defines the buffer size of the inbound message channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for a reader.
	DefaultChannelTimeout = 1 * time.Second
	// MinRecipientDigits rejects identifiers too short to be a phone number.
	MinRecipientDigits = 8
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the canonical user id for a
	// recipient, or an error when it cannot be a phone number.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Messages channel.
	Stop() error

	// Messages returns the channel of inbound user messages.
	Messages() <-chan models.InboundMessage
}

// canonicalizeRecipient applies the shared phone normalization and length check.
func canonicalizeRecipient(component, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := util.CanonicalPhone(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinRecipientDigits)
	}
	if canonical != recipient {
		slog.Debug(component+": canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inbox is the inbound channel shared by every transport. Emits after close
// are dropped instead of panicking.
type inbox struct {
	component string
	messages  chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(component string) *inbox {
	return &inbox{
		component: component,
		messages:  make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit pushes msg with the sender canonicalized. It reports whether the message was queued.
func (b *inbox) emit(msg models.InboundMessage) bool {
	msg.SenderID = util.CanonicalPhone(msg.SenderID)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.component+".emit: dropping inbound message (service stopped)", "from", msg.SenderID)
		return false
	}
	select {
	case b.messages <- msg:
		slog.Debug(b.component+".emit: inbound message queued", "from", msg.SenderID, "id", msg.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.component+".emit: messages channel blocked, dropping message", "from", msg.SenderID)
		return false
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.messages)
}
