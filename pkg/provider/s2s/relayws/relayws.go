// Package relayws implements the s2s.Provider interface for agents that speak
// the plain voxrelay JSON protocol over a WebSocket.
//
// Outbound frames carry microphone audio:
//
//	{"mediaData": "<base64 PCM16>", "mimeType": "audio/pcm;rate=16000"}
//
// Inbound frames carry exactly one of:
//
//	{"audioChunk": "<base64 PCM16>", "sampleRate": 24000}
//	{"transcriptFragment": {"role": "user"|"agent", "text": "..."}}
//	{"turnComplete": true}
//	{"interrupted": true}
//	{"error": {"code": "...", "message": "..."}}
//
// The session is open as soon as the WebSocket upgrade completes and the
// optional config frame has been written.
package relayws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/wsclient"
)

// Name is the registry name of this backend.
const Name = "relay-ws"

var _ s2s.Provider = (*Provider)(nil)

// ErrNoURL is returned by Open when no endpoint is configured.
var ErrNoURL = errors.New("relayws: no endpoint URL configured")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithToken sets a bearer token sent in the Authorization header.
func WithToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// WithSendConfig controls whether a config frame is written after connecting.
// Default: true.
func WithSendConfig(send bool) Option {
	return func(p *Provider) { p.sendConfig = send }
}

// WithSessionOptions forwards options to every [wsclient.Session].
func WithSessionOptions(opts ...wsclient.Option) Option {
	return func(p *Provider) { p.sessOpts = append(p.sessOpts, opts...) }
}

// Provider implements s2s.Provider for the voxrelay JSON protocol.
type Provider struct {
	url        string
	token      string
	sendConfig bool
	sessOpts   []wsclient.Option
}

// New creates a Provider dialling url (ws:// or wss://).
func New(url string, opts ...Option) *Provider {
	p := &Provider{url: url, sendConfig: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return Name }

// Open implements s2s.Provider.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config, h s2s.Handlers) (s2s.SessionHandle, error) {
	if p.url == "" {
		return nil, ErrNoURL
	}
	proto := &protocol{p: p, outputRate: cfg.WithDefaults().OutputSampleRate}
	sess, err := wsclient.Open(ctx, proto, cfg, h, p.sessOpts...)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ── wire types ────────────────────────────────────────────────────────────────

type configMessage struct {
	Config sessionConfig `json:"config"`
}

type sessionConfig struct {
	Model            string `json:"model,omitempty"`
	Voice            string `json:"voice,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
	InputSampleRate  int    `json:"inputSampleRate"`
	OutputSampleRate int    `json:"outputSampleRate"`
}

type mediaMessage struct {
	MediaData string `json:"mediaData"`
	MIMEType  string `json:"mimeType"`
}

type inboundMessage struct {
	AudioChunk         *string             `json:"audioChunk,omitempty"`
	SampleRate         int                 `json:"sampleRate,omitempty"`
	TranscriptFragment *transcriptFragment `json:"transcriptFragment,omitempty"`
	TurnComplete       bool                `json:"turnComplete,omitempty"`
	Interrupted        bool                `json:"interrupted,omitempty"`
	Error              *wireError          `json:"error,omitempty"`
}

type transcriptFragment struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── protocol ──────────────────────────────────────────────────────────────────

type protocol struct {
	p          *Provider
	outputRate int
}

func (pr *protocol) Name() string { return Name }

func (pr *protocol) Endpoint(s2s.Config) (string, http.Header, error) {
	header := http.Header{}
	if pr.p.token != "" {
		header.Set("Authorization", "Bearer "+pr.p.token)
	}
	return pr.p.url, header, nil
}

func (pr *protocol) Handshake(cfg s2s.Config) []any {
	if !pr.p.sendConfig {
		return nil
	}
	return []any{configMessage{Config: sessionConfig{
		Model:            cfg.Model,
		Voice:            cfg.Voice,
		Instructions:     cfg.Instructions,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
	}}}
}

func (pr *protocol) ReadyOnConnect() bool { return true }

func (pr *protocol) EncodeMedia(chunk s2s.MediaChunk) any {
	return mediaMessage{MediaData: chunk.Data, MIMEType: chunk.MIMEType}
}

func (pr *protocol) Decode(data []byte) (wsclient.Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wsclient.Event{}, fmt.Errorf("relayws: decode: %w", err)
	}

	var ev wsclient.Event
	if msg.Error != nil {
		ev.Err = fmt.Errorf("relayws: server error %s: %s", msg.Error.Code, msg.Error.Message)
		return ev, nil
	}
	if tf := msg.TranscriptFragment; tf != nil {
		role, ok := parseRole(tf.Role)
		if !ok {
			return wsclient.Event{}, fmt.Errorf("relayws: unknown transcript role %q", tf.Role)
		}
		ev.Messages = append(ev.Messages, s2s.TranscriptFragment{Role: role, Text: tf.Text})
	}
	if msg.AudioChunk != nil {
		rate := msg.SampleRate
		if rate <= 0 {
			rate = pr.outputRate
		}
		ev.Messages = append(ev.Messages, s2s.AudioChunk{Data: *msg.AudioChunk, SampleRate: rate})
	}
	if msg.Interrupted {
		ev.Messages = append(ev.Messages, s2s.Interrupted{})
	}
	if msg.TurnComplete {
		ev.Messages = append(ev.Messages, s2s.TurnComplete{})
	}
	return ev, nil
}

func parseRole(s string) (s2s.Role, bool) {
	switch strings.ToLower(s) {
	case "user":
		return s2s.RoleUser, true
	case "agent", "model", "assistant":
		return s2s.RoleAgent, true
	default:
		return "", false
	}
}
