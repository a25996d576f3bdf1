package relayws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/relayws"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/s2stest"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/wsclient"
)

type configFrame struct {
	Config struct {
		Voice            string `json:"voice"`
		Instructions     string `json:"instructions"`
		InputSampleRate  int    `json:"inputSampleRate"`
		OutputSampleRate int    `json:"outputSampleRate"`
	} `json:"config"`
}

type mediaFrame struct {
	MediaData string `json:"mediaData"`
	MIMEType  string `json:"mimeType"`
}

func newProvider(srv *httptest.Server, opts ...relayws.Option) *relayws.Provider {
	opts = append(opts, relayws.WithSessionOptions(wsclient.WithKeepalive(0)))
	return relayws.New(s2stest.URL(srv), opts...)
}

func frameChunk(samples ...int16) s2s.MediaChunk {
	return s2s.NewMediaChunk(audio.AudioFrame{Samples: samples, SampleRate: 16000})
}

// ── Open ──────────────────────────────────────────────────────────────────────

func TestOpen_SendsConfigAndOpens(t *testing.T) {
	t.Parallel()

	cfgCh := make(chan configFrame, 1)
	authCh := make(chan string, 1)
	srv := s2stest.StartServer(t, func(conn *websocket.Conn, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		var cf configFrame
		s2stest.ReadJSON(t, conn, &cf)
		cfgCh <- cf
		s2stest.WaitClosed(conn)
	})

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv, relayws.WithToken("secret")).Open(context.Background(), s2s.Config{
		Voice:        "Puck",
		Instructions: "be brief",
	}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.WaitOpen(t)

	select {
	case cf := <-cfgCh:
		if cf.Config.Voice != "Puck" || cf.Config.Instructions != "be brief" {
			t.Errorf("config = %+v", cf.Config)
		}
		if cf.Config.InputSampleRate != 16000 || cf.Config.OutputSampleRate != 24000 {
			t.Errorf("rates = %d/%d, want 16000/24000", cf.Config.InputSampleRate, cf.Config.OutputSampleRate)
		}
	case <-time.After(s2stest.Timeout):
		t.Fatal("timeout waiting for config frame")
	}
	if got := <-authCh; got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	_ = h.Close()
	rec.WaitClose(t)
	if got := rec.Events(); len(got) != 2 || got[0] != "open" || got[1] != "close" {
		t.Errorf("events = %v, want [open close]", got)
	}
}

func TestOpen_NoURL(t *testing.T) {
	t.Parallel()
	if _, err := relayws.New("").Open(context.Background(), s2s.Config{}, s2s.Handlers{}); !errors.Is(err, relayws.ErrNoURL) {
		t.Errorf("err = %v, want ErrNoURL", err)
	}
}

func TestOpen_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := s2stest.URL(srv)
	srv.Close()

	rec := s2stest.NewRecorder()
	h, err := relayws.New(url).Open(context.Background(), s2s.Config{}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = rec.WaitError(t)
	var ce *s2s.ConnectionError
	if !errors.As(err, &ce) || ce.Provider != relayws.Name {
		t.Errorf("err = %v, want ConnectionError from %s", err, relayws.Name)
	}
	rec.WaitClose(t)
	if rec.Count("open") != 0 {
		t.Error("OnOpen fired for a failed dial")
	}
	if err := h.Send(frameChunk(1)); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after failure = %v, want ErrSessionClosed", err)
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_BeforeOpen(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		s2stest.WaitClosed(conn)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv).Open(context.Background(), s2s.Config{}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if err := h.Send(frameChunk(1)); !errors.Is(err, s2s.ErrNotOpen) {
		t.Errorf("Send before open = %v, want ErrNotOpen", err)
	}
}

func TestSend_PreservesOrderAndFormat(t *testing.T) {
	t.Parallel()

	const n = 50
	got := make(chan mediaFrame, n)
	srv := s2stest.StartServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var cf configFrame
		s2stest.ReadJSON(t, conn, &cf)
		for range n {
			var mf mediaFrame
			s2stest.ReadJSON(t, conn, &mf)
			got <- mf
		}
		s2stest.WaitClosed(conn)
	})

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv).Open(context.Background(), s2s.Config{}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	rec.WaitOpen(t)

	for i := range n {
		if err := h.Send(frameChunk(int16(i))); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := range n {
		select {
		case mf := <-got:
			if mf.MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("mimeType = %q", mf.MIMEType)
			}
			pcm, err := audio.DecodeTransport(mf.MediaData)
			if err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}
			samples, _ := audio.PCM16ToSamples(pcm)
			if len(samples) != 1 || samples[0] != int16(i) {
				t.Fatalf("frame %d carried %v (out of order)", i, samples)
			}
		case <-time.After(s2stest.Timeout):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestClose_FlushesQueuedFrames(t *testing.T) {
	t.Parallel()

	const n = 20
	count := make(chan int, 1)
	srv := s2stest.StartServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var cf configFrame
		s2stest.ReadJSON(t, conn, &cf)
		received := 0
		ctx, cancel := context.WithTimeout(context.Background(), s2stest.Timeout)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				break
			}
			received++
		}
		count <- received
	})

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv).Open(context.Background(), s2s.Config{}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.WaitOpen(t)
	for i := range n {
		if err := h.Send(frameChunk(int16(i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.Send(frameChunk(0)); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after Close = %v, want ErrSessionClosed", err)
	}
	rec.WaitClose(t)

	select {
	case got := <-count:
		if got != n {
			t.Errorf("server received %d frames, want %d", got, n)
		}
	case <-time.After(s2stest.Timeout):
		t.Fatal("timeout waiting for server")
	}
	if rec.Count("close") != 1 {
		t.Errorf("OnClose fired %d times", rec.Count("close"))
	}
}

func TestClose_WhileConnecting(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv).Open(context.Background(), s2s.Config{}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = h.Close()
	rec.WaitClose(t)
	if rec.Count("error") != 0 || rec.Count("open") != 0 {
		t.Errorf("events = %v, want only close", rec.Events())
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestInbound_AllKindsInOrder(t *testing.T) {
	t.Parallel()

	pcm := audio.EncodeTransport(audio.EncodePCM16([]float32{0.5}))
	srv := s2stest.StartServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var cf configFrame
		s2stest.ReadJSON(t, conn, &cf)
		s2stest.WriteJSON(t, conn, map[string]any{"transcriptFragment": map[string]any{"role": "user", "text": "hi"}})
		s2stest.WriteJSON(t, conn, map[string]any{"audioChunk": pcm, "sampleRate": 24000})
		s2stest.WriteJSON(t, conn, map[string]any{"audioChunk": pcm}) // default rate
		_ = conn.Write(context.Background(), websocket.MessageText, []byte("{not json"))
		s2stest.WriteJSON(t, conn, map[string]any{"transcriptFragment": map[string]any{"role": "narrator", "text": "x"}})
		s2stest.WriteJSON(t, conn, map[string]any{"transcriptFragment": map[string]any{"role": "agent", "text": "hello"}})
		s2stest.WriteJSON(t, conn, map[string]any{"interrupted": true})
		s2stest.WriteJSON(t, conn, map[string]any{"turnComplete": true})
		s2stest.WaitClosed(conn)
	})

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv).Open(context.Background(), s2s.Config{OutputSampleRate: 22050}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	want := []s2s.Inbound{
		s2s.TranscriptFragment{Role: s2s.RoleUser, Text: "hi"},
		s2s.AudioChunk{Data: pcm, SampleRate: 24000},
		s2s.AudioChunk{Data: pcm, SampleRate: 22050},
		s2s.TranscriptFragment{Role: s2s.RoleAgent, Text: "hello"},
		s2s.Interrupted{},
		s2s.TurnComplete{},
	}
	for i, w := range want {
		if got := rec.NextMessage(t); got != w {
			t.Errorf("message %d = %#v, want %#v", i, got, w)
		}
	}
	if ev := rec.Events(); len(ev) == 0 || ev[0] != "open" {
		t.Errorf("first event = %v, want open", ev)
	}
}

func TestInbound_ServerErrorFailsSession(t *testing.T) {
	t.Parallel()

	srv := s2stest.StartServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var cf configFrame
		s2stest.ReadJSON(t, conn, &cf)
		s2stest.WriteJSON(t, conn, map[string]any{"error": map[string]any{"code": "quota", "message": "exhausted"}})
		s2stest.WaitClosed(conn)
	})

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv).Open(context.Background(), s2s.Config{}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = rec.WaitError(t)
	if !errors.As(err, new(*s2s.ConnectionError)) {
		t.Errorf("err = %T, want *ConnectionError", err)
	}
	rec.WaitClose(t)
	if err := h.Send(frameChunk(1)); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after error = %v, want ErrSessionClosed", err)
	}
	ev := rec.Events()
	if ev[len(ev)-1] != "close" || rec.Count("error") != 1 {
		t.Errorf("events = %v, want one error then close", ev)
	}
}

func TestInbound_ServerClosesNormally(t *testing.T) {
	t.Parallel()

	srv := s2stest.StartServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var cf configFrame
		s2stest.ReadJSON(t, conn, &cf)
		// Returning closes with StatusNormalClosure.
	})

	rec := s2stest.NewRecorder()
	if _, err := newProvider(srv).Open(context.Background(), s2s.Config{}, rec.Handlers()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.WaitClose(t)
	if rec.Count("error") != 0 {
		t.Errorf("events = %v, want no error for a normal server close", rec.Events())
	}
}

func TestSend_QueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := s2stest.StartServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never read: the client's writes back up once socket buffers fill.
		<-block
	})
	t.Cleanup(func() { close(block) })

	rec := s2stest.NewRecorder()
	h, err := newProvider(srv).Open(context.Background(), s2s.Config{QueueSize: 1}, rec.Handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	rec.WaitOpen(t)

	big := frameChunk(make([]int16, 64<<10)...)
	var full error
	for i := 0; i < 10000 && full == nil; i++ {
		if err := h.Send(big); err != nil {
			full = err
		}
	}
	if !errors.Is(full, s2s.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", full)
	}
}
