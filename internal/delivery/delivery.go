// Package delivery defines the boundary between the funnel and the messaging
// transport: outbound sends, inbound events and structured failure kinds.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindTransient covers network and API hiccups. Retrying may succeed.
	KindTransient ErrorKind = iota
	// KindUnreachable means the recipient blocked the bot or no longer exists.
	KindUnreachable
	// KindNotFound means the referenced content (cached handle, post) is gone.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindNotFound:
		return "not-found"
	default:
		return "transient"
	}
}

// Error is the failure type every Sink method returns.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Errors that are not *Error are transient.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

func IsUnreachable(err error) bool { return err != nil && KindOf(err) == KindUnreachable }

func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

type Format int

const (
	FormatPlain Format = iota
	FormatHTML
)

// Button is either a callback button (Data) or a link button (URL).
type Button struct {
	Label string
	Data  string
	URL   string
}

// Keyboard is a grid of buttons, one slice per row.
type Keyboard [][]Button

// Column lays buttons out one per row.
func Column(buttons ...Button) Keyboard {
	kb := make(Keyboard, 0, len(buttons))
	for _, b := range buttons {
		kb = append(kb, []Button{b})
	}
	return kb
}

type Text struct {
	ChatID         int64
	Body           string
	Format         Format
	Keyboard       Keyboard
	DisablePreview bool
}

type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaDocument
	MediaPhoto
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaDocument:
		return "document"
	default:
		return "photo"
	}
}

// Media is sent from Handle when set, otherwise uploaded from Path.
type Media struct {
	ChatID   int64
	Kind     MediaKind
	Handle   string
	Path     string
	Caption  string
	Format   Format
	Keyboard Keyboard
}

// Sink delivers content to recipients.
type Sink interface {
	SendText(ctx context.Context, msg Text) error
	// SendMedia returns a handle that can be reused to send the same content
	// again without re-uploading. The handle may be empty.
	SendMedia(ctx context.Context, m Media) (string, error)
	Forward(ctx context.Context, chatID, fromChatID int64, messageID int) error
	AnswerEvent(ctx context.Context, eventID string) error
}

// MembershipChecker reports whether a user belongs to a channel. Errors mean
// the check itself could not be performed.
type MembershipChecker interface {
	IsMember(ctx context.Context, channelID, userID int64) (bool, error)
}

type EventKind int

const (
	EventStart EventKind = iota + 1
	EventText
	EventButton
)

// Event is one inbound interaction.
type Event struct {
	Kind        EventKind
	RecipientID int64
	ChatID      int64

	// Token is the deep-link payload of a start signal, empty when absent.
	Token string
	Text  string
	// Data is the callback payload and EventID the id to acknowledge.
	Data    string
	EventID string
}

type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }
