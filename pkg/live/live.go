// Package live defines the wire-independent contract between the voice core
// and a streaming conversational AI service.
//
// Outbound, a finished recording is a [Turn]. Inbound, each service message
// decodes to zero or more [Event] values. A [Codec] translates between the two
// and the service's envelope format, isolating the rest of the module from a
// wire format that is versioned by the remote side. See package gemini for
// the Gemini Live implementation.
package live

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// DefaultMaxMessageBytes is the default limit on one serialized outbound
// message.
const DefaultMaxMessageBytes = 4 << 20

// Codec errors. They are always wrapped in a [*CodecError].
var (
	// ErrPayloadTooLarge means the serialized turn would exceed the
	// configured message limit.
	ErrPayloadTooLarge = errors.New("live: payload too large")

	// ErrEmptyTurn means the turn contained no audio.
	ErrEmptyTurn = errors.New("live: empty turn")

	// ErrMalformedEnvelope means an inbound message was not valid JSON or
	// did not match the envelope schema.
	ErrMalformedEnvelope = errors.New("live: malformed envelope")

	// ErrUnknownEnvelope means an inbound message contained nothing the
	// codec recognizes.
	ErrUnknownEnvelope = errors.New("live: unknown envelope")

	// ErrServer means the service reported an error in-band.
	ErrServer = errors.New("live: server error")
)

// Kind tags an [Event].
type Kind int

const (
	// EventTextDelta carries a piece of assistant text.
	EventTextDelta Kind = iota + 1

	// EventTurnComplete marks the end of the assistant's turn.
	EventTurnComplete

	// EventInterrupted means the assistant's turn was cut off.
	EventInterrupted
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case EventTextDelta:
		return "TextDelta"
	case EventTurnComplete:
		return "TurnComplete"
	case EventInterrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one inbound service event. Text is only set for
// [EventTextDelta].
type Event struct {
	Kind Kind
	Text string
}

// TextDelta returns a text event.
func TextDelta(text string) Event { return Event{Kind: EventTextDelta, Text: text} }

// Turn is one finished recording ready to be sent.
type Turn struct {
	// Role is the speaker role, normally "user".
	Role string

	// MIMEType is the encoding of Chunks.
	MIMEType string

	// Format is the PCM format the chunks were encoded from.
	Format audio.Format

	// Chunks are the encoded audio chunks in capture order.
	Chunks [][]byte
}

// Size returns the total number of encoded bytes in the turn.
func (t Turn) Size() int {
	n := 0
	for _, c := range t.Chunks {
		n += len(c)
	}
	return n
}

// Codec converts turns to wire messages and wire messages to events.
// Implementations must be safe for concurrent use.
type Codec interface {
	// EncodeTurn serializes t into one outbound message.
	EncodeTurn(t Turn) ([]byte, error)

	// Decode parses one inbound message. Messages that are valid but carry
	// no events (such as acknowledgements) return nil, nil.
	Decode(data []byte) ([]Event, error)
}

// CodecError describes a failed encode or decode.
type CodecError struct {
	// Op is "encode" or "decode".
	Op string

	// Err is one of the package sentinels, possibly wrapping a cause.
	Err error

	// Size and Limit are set for [ErrPayloadTooLarge].
	Size  int
	Limit int

	// Message is the service's error text for [ErrServer].
	Message string
}

func (e *CodecError) Error() string {
	switch {
	case errors.Is(e.Err, ErrPayloadTooLarge):
		return fmt.Sprintf("live: %s: payload of %d bytes exceeds limit of %d", e.Op, e.Size, e.Limit)
	case e.Message != "":
		return fmt.Sprintf("live: %s: %v: %s", e.Op, e.Err, e.Message)
	default:
		return fmt.Sprintf("live: %s: %v", e.Op, e.Err)
	}
}

func (e *CodecError) Unwrap() error { return e.Err }
