// Package gemini implements the [live.Codec] and a WebSocket dialer for
// Google's Gemini Live BidiGenerateContent API.
//
// Recorded turns are sent as a single clientContent message carrying the
// base64-encoded audio inline with turnComplete set. Model text arrives in
// serverContent messages and is decoded into [live.Event] values.
package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/voicelink/pkg/audio/encoding"
	"github.com/MrWong99/voicelink/pkg/live"
)

var _ live.Codec = (*Codec)(nil)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete           *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent           *serverContent   `json:"serverContent,omitempty"`
	GoAway                  *goAway          `json:"goAway,omitempty"`
	UsageMetadata           *json.RawMessage `json:"usageMetadata,omitempty"`
	ToolCall                *json.RawMessage `json:"toolCall,omitempty"`
	ToolCallCancellation    *json.RawMessage `json:"toolCallCancellation,omitempty"`
	SessionResumptionUpdate *json.RawMessage `json:"sessionResumptionUpdate,omitempty"`
	Error                   *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── Codec ─────────────────────────────────────────────────────────────────────

// CodecOption configures a [Codec].
type CodecOption func(*Codec)

// WithMaxMessageBytes sets the outbound message limit. Default
// [live.DefaultMaxMessageBytes].
func WithMaxMessageBytes(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// Codec implements [live.Codec] for the BidiGenerateContent envelope. It is
// stateless and safe for concurrent use.
type Codec struct {
	maxBytes int
}

// NewCodec returns a codec.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{maxBytes: live.DefaultMaxMessageBytes}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MaxMessageBytes returns the outbound message limit.
func (c *Codec) MaxMessageBytes() int { return c.maxBytes }

// EncodeTurn implements [live.Codec]. The chunks are joined according to
// their encoding; the size limit is checked before the base64 copy is made.
func (c *Codec) EncodeTurn(t live.Turn) ([]byte, error) {
	if t.Size() == 0 {
		return nil, &live.CodecError{Op: "encode", Err: live.ErrEmptyTurn}
	}
	role := t.Role
	if role == "" {
		role = "user"
	}

	payload, err := encoding.Join(t.MIMEType, t.Chunks, t.Format)
	if err != nil {
		return nil, &live.CodecError{Op: "encode", Err: fmt.Errorf("join chunks: %w", err)}
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  role,
				Parts: []part{{InlineData: &inlineData{MIMEType: t.MIMEType}}},
			}},
			TurnComplete: true,
		},
	}
	envelope, err := json.Marshal(msg)
	if err != nil {
		return nil, &live.CodecError{Op: "encode", Err: err}
	}
	size := len(envelope) + base64.StdEncoding.EncodedLen(len(payload))
	if size > c.maxBytes {
		return nil, &live.CodecError{Op: "encode", Err: live.ErrPayloadTooLarge, Size: size, Limit: c.maxBytes}
	}

	msg.ClientContent.Turns[0].Parts[0].InlineData.Data = base64.StdEncoding.EncodeToString(payload)
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, &live.CodecError{Op: "encode", Err: err}
	}
	return out, nil
}

// Decode implements [live.Codec]. Text parts of one message are joined into
// a single text delta, followed by turn-complete and interrupted events in
// that order.
func (c *Codec) Decode(data []byte) ([]live.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &live.CodecError{Op: "decode", Err: fmt.Errorf("%w: %v", live.ErrMalformedEnvelope, err)}
	}

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		return nil, &live.CodecError{Op: "decode", Err: live.ErrServer, Message: text}
	}

	if msg.GoAway != nil {
		slog.Warn("gemini: server will close the connection soon", "time_left", msg.GoAway.TimeLeft)
	}

	if msg.ServerContent == nil {
		if msg.SetupComplete != nil || msg.GoAway != nil || msg.UsageMetadata != nil ||
			msg.ToolCall != nil || msg.ToolCallCancellation != nil || msg.SessionResumptionUpdate != nil {
			return nil, nil
		}
		return nil, &live.CodecError{Op: "decode", Err: live.ErrUnknownEnvelope}
	}

	sc := msg.ServerContent
	var events []live.Event

	var text strings.Builder
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			text.WriteString(p.Text)
		}
	}
	if sc.OutputTranscription != nil {
		text.WriteString(sc.OutputTranscription.Text)
	}
	if text.Len() > 0 {
		events = append(events, live.TextDelta(text.String()))
	}
	if sc.TurnComplete {
		events = append(events, live.Event{Kind: live.EventTurnComplete})
	}
	if sc.Interrupted {
		events = append(events, live.Event{Kind: live.EventInterrupted})
	}
	return events, nil
}
