package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

const (
	defaultModel      = "gemini-2.0-flash-live-001"
	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	defaultAPIVersion = "v1alpha"

	// defaultReadLimit must hold the largest server message. The websocket
	// library default of 32 KiB is too small for long model turns.
	defaultReadLimit = 16 << 20
)

// ErrSetupRejected is returned by Dial when the server answers the setup
// message with anything other than setupComplete.
var ErrSetupRejected = errors.New("gemini: setup rejected")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(d *Dialer) { d.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIVersion sets the API version path segment. Default "v1alpha".
func WithAPIVersion(v string) Option {
	return func(d *Dialer) { d.version = v }
}

// WithSystemInstruction sets the system instruction sent at setup.
func WithSystemInstruction(s string) Option {
	return func(d *Dialer) { d.instruction = s }
}

// WithResponseModalities sets the requested response modalities. Default
// ["TEXT"].
func WithResponseModalities(m ...string) Option {
	return func(d *Dialer) {
		if len(m) > 0 {
			d.modalities = m
		}
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens BidiGenerateContent sessions.
type Dialer struct {
	baseURL     string
	version     string
	model       string
	instruction string
	modalities  []string
	readLimit   int64
}

// NewDialer returns a dialer with the given options.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		baseURL:    defaultBaseURL,
		version:    defaultAPIVersion,
		model:      defaultModel,
		modalities: []string{"TEXT"},
		readLimit:  defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

// URL returns the endpoint URL for token.
func (d *Dialer) URL(token string) string {
	return fmt.Sprintf("%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.version, url.QueryEscape(token))
}

// Dial connects, sends the setup message, and waits for setupComplete. The
// returned connection is ready for clientContent messages. ctx bounds the
// whole handshake.
func (d *Dialer) Dial(ctx context.Context, token string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, d.URL(token), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(d.readLimit)

	if err := d.setup(ctx, ws); err != nil {
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

func (d *Dialer) setup(ctx context.Context, ws *websocket.Conn) error {
	model := d.model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model:            model,
			GenerationConfig: generationConfig{ResponseModalities: d.modalities},
		},
	}
	if d.instruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{Parts: []part{{Text: d.instruction}}}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: send setup: %w", err)
	}

	_, reply, err := ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("gemini: await setupComplete: %w", err)
	}
	var ack serverMessage
	if err := json.Unmarshal(reply, &ack); err != nil {
		return fmt.Errorf("%w: %v", ErrSetupRejected, err)
	}
	if ack.Error != nil {
		return fmt.Errorf("%w: %s", ErrSetupRejected, ack.Error.Message)
	}
	if ack.SetupComplete == nil {
		return fmt.Errorf("%w: unexpected first message", ErrSetupRejected)
	}
	return nil
}

// Conn is an established session. Read is called from a single goroutine;
// Write and Ping are safe to call concurrently with it.
type Conn struct {
	ws *websocket.Conn
}

// Read returns the next message. Gemini sends JSON in both text and binary
// frames, so the frame type is ignored.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: read: %w", err)
	}
	return data, nil
}

// Write sends one JSON message as a text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// Ping sends a websocket ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close performs a normal closing handshake.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client closing")
}
