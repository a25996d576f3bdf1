// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions;
// microphone audio captured at another rate is resampled before it is sent.
// The session becomes open once the server reports session.created or
// session.updated.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/wsclient"
)

// Name is the registry name of this backend.
const Name = "openai-realtime"

// Compile-time assertion that Provider satisfies the s2s interface.
var _ s2s.Provider = (*Provider)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// wireSampleRate is the only rate the Realtime API accepts for pcm16.
	wireSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used when the session config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe user audio.
// An empty string disables user transcripts.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithSessionOptions forwards options to every [wsclient.Session].
func WithSessionOptions(opts ...wsclient.Option) Option {
	return func(p *Provider) { p.sessOpts = append(p.sessOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	sessOpts           []wsclient.Option
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return Name }

// Open implements s2s.Provider. Agent audio always arrives at 24 kHz,
// whatever OutputSampleRate says.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config, h s2s.Handlers) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	cfg.OutputSampleRate = wireSampleRate
	sess, err := wsclient.Open(ctx, &protocol{p: p, inputRate: cfg.InputSampleRate}, cfg, h, p.sessOpts...)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string               `json:"modalities"`
	Voice                   string                 `json:"voice,omitempty"`
	Instructions            string                 `json:"instructions,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription *transcriptionSettings `json:"input_audio_transcription,omitempty"`
}

type transcriptionSettings struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── protocol ──────────────────────────────────────────────────────────────────

type protocol struct {
	p         *Provider
	inputRate int
}

func (pr *protocol) Name() string { return Name }

func (pr *protocol) Endpoint(cfg s2s.Config) (string, http.Header, error) {
	wsURL := fmt.Sprintf("%s?model=%s", pr.p.baseURL, url.QueryEscape(cfg.Model))
	return wsURL, http.Header{
		"Authorization": []string{"Bearer " + pr.p.apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}, nil
}

func (pr *protocol) Handshake(cfg s2s.Config) []any {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if pr.p.transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionSettings{Model: pr.p.transcriptionModel}
	}
	return []any{sessionUpdateMessage{Type: "session.update", Session: params}}
}

func (pr *protocol) ReadyOnConnect() bool { return false }

func (pr *protocol) EncodeMedia(chunk s2s.MediaChunk) any {
	return appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: toWireRate(chunk, pr.inputRate),
	}
}

func (pr *protocol) Decode(data []byte) (wsclient.Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return wsclient.Event{}, fmt.Errorf("openai: decode: %w", err)
	}

	var ev wsclient.Event
	switch evt.Type {
	case "session.created", "session.updated":
		ev.Ready = true

	case "response.audio.delta":
		if evt.Delta != "" {
			ev.Messages = append(ev.Messages, s2s.AudioChunk{Data: evt.Delta, SampleRate: wireSampleRate})
		}

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			ev.Messages = append(ev.Messages, s2s.TranscriptFragment{Role: s2s.RoleAgent, Text: evt.Delta})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			ev.Messages = append(ev.Messages, s2s.TranscriptFragment{Role: s2s.RoleUser, Text: evt.Transcript})
		}

	case "input_audio_buffer.speech_started":
		// Server VAD cancels the in-flight response when the user barges in.
		ev.Messages = append(ev.Messages, s2s.Interrupted{})

	case "response.done":
		ev.Messages = append(ev.Messages, s2s.TurnComplete{})

	case "error":
		msg := "unknown error"
		code := ""
		if evt.Error != nil {
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			code = evt.Error.Code
		}
		ev.Err = fmt.Errorf("openai: server error %s: %s", code, msg)
	}
	return ev, nil
}

// toWireRate re-encodes chunk at 24 kHz when it was captured at another rate.
// Chunks that cannot be decoded are passed through unchanged.
func toWireRate(chunk s2s.MediaChunk, def int) string {
	rate := s2s.ParsePCMRate(chunk.MIMEType, def)
	if rate == wireSampleRate {
		return chunk.Data
	}
	samples, err := audio.DecodeTransportPCM16(chunk.Data)
	if err != nil {
		return chunk.Data
	}
	resampled := audio.ResampleMono(samples, rate, wireSampleRate)
	return audio.EncodeTransport(audio.EncodePCM16(resampled))
}
