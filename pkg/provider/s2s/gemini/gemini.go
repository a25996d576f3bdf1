// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is sent as realtimeInput media chunks; the session becomes
// open once the server acknowledges the setup message with setupComplete.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/wsclient"
)

// Name is the registry name of this backend.
const Name = "gemini-live"

// Compile-time assertion that Provider satisfies the s2s interface.
var _ s2s.Provider = (*Provider)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used when the session config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSessionOptions forwards options to every [wsclient.Session].
func WithSessionOptions(opts ...wsclient.Option) Option {
	return func(p *Provider) { p.sessOpts = append(p.sessOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	sessOpts []wsclient.Option
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return Name }

// Open implements s2s.Provider. The session is usable once the server has
// replied to the setup message.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config, h s2s.Handlers) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	sess, err := wsclient.Open(ctx, &protocol{p: p, outputRate: cfg.OutputSampleRate}, cfg, h, p.sessOpts...)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
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

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── protocol ──────────────────────────────────────────────────────────────────

type protocol struct {
	p          *Provider
	outputRate int
}

func (pr *protocol) Name() string { return Name }

func (pr *protocol) Endpoint(s2s.Config) (string, http.Header, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		pr.p.baseURL, url.QueryEscape(pr.p.apiKey),
	)
	return wsURL, http.Header{"Content-Type": []string{"application/json"}}, nil
}

func (pr *protocol) Handshake(cfg s2s.Config) []any {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return []any{msg}
}

func (pr *protocol) ReadyOnConnect() bool { return false }

func (pr *protocol) EncodeMedia(chunk s2s.MediaChunk) any {
	return realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
}

func (pr *protocol) Decode(data []byte) (wsclient.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wsclient.Event{}, fmt.Errorf("gemini: decode: %w", err)
	}

	var ev wsclient.Event
	if ge := msg.Error; ge != nil {
		text := ge.Message
		if text == "" {
			text = "unknown error"
		}
		ev.Err = fmt.Errorf("gemini: server error %d %s: %s", ge.Code, ge.Status, text)
		return ev, nil
	}
	ev.Ready = msg.SetupComplete != nil

	sc := msg.ServerContent
	if sc == nil {
		return ev, nil
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		ev.Messages = append(ev.Messages, s2s.TranscriptFragment{Role: s2s.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			ev.Messages = append(ev.Messages, s2s.AudioChunk{
				Data:       p.InlineData.Data,
				SampleRate: s2s.ParsePCMRate(p.InlineData.MIMEType, pr.outputRate),
			})
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		ev.Messages = append(ev.Messages, s2s.TranscriptFragment{Role: s2s.RoleAgent, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		ev.Messages = append(ev.Messages, s2s.Interrupted{})
	}
	if sc.TurnComplete {
		ev.Messages = append(ev.Messages, s2s.TurnComplete{})
	}
	return ev, nil
}
