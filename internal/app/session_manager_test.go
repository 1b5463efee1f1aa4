package app_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/audio/playback"
	audiomock "github.com/MrWong99/murmur/pkg/audio/mock"
	"github.com/MrWong99/murmur/pkg/device"
	"github.com/MrWong99/murmur/pkg/live"
	"github.com/MrWong99/murmur/pkg/video"
	videomock "github.com/MrWong99/murmur/pkg/video/mock"
)

// ── Fake live server ──────────────────────────────────────────────────────────

// fakeLive accepts every connection, acknowledges the setup frame and keeps
// the socket open until the client leaves.
type fakeLive struct {
	srv    *httptest.Server
	setups chan []byte

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeLive(t *testing.T) *fakeLive {
	t.Helper()
	f := &fakeLive{setups: make(chan []byte, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		_, setup, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return
		}
		f.setups <- setup

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		_ = f.write(map[string]any{"setupComplete": map[string]any{}})

		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLive) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

// write sends v as a text frame on the most recent connection.
func (f *fakeLive) write(v any) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *fakeLive) send(t *testing.T, v any) {
	t.Helper()
	if err := f.write(v); err != nil {
		t.Fatalf("fakeLive.send: %v", err)
	}
}

func (f *fakeLive) nextSetup(t *testing.T) []byte {
	t.Helper()
	select {
	case s := <-f.setups:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup frame")
		return nil
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type notes struct {
	mu    sync.Mutex
	lines []string
}

func (n *notes) add(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, s)
}

func (n *notes) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

type fixture struct {
	sm      *app.SessionManager
	server  *fakeLive
	mic     *audiomock.Microphone
	speaker *audiomock.Speaker
	notes   *notes

	mu      sync.Mutex
	sources []*videomock.Source
}

func (fx *fixture) lastSource() *videomock.Source {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.sources[len(fx.sources)-1]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	fx := &fixture{
		server:  newFakeLive(t),
		mic:     &audiomock.Microphone{},
		speaker: &audiomock.Speaker{},
		notes:   &notes{},
	}
	factory := func(kind video.SourceKind) app.SourceFactory {
		return func(config.VideoConfig) video.Source {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			src := &videomock.Source{DeviceName: string(kind), SourceKind: kind}
			fx.sources = append(fx.sources, src)
			return src
		}
	}
	fx.sm = app.NewSessionManager(app.SessionManagerConfig{
		Config:     cfg,
		Client:     live.New("test-key", live.WithBaseURL(fx.server.url())),
		Devices:    &device.Registry{},
		Microphone: fx.mic,
		Speaker:    fx.speaker,
		Camera:     factory(video.KindCamera),
		Screen:     factory(video.KindScreen),
		Notify:     fx.notes.add,
	})
	t.Cleanup(fx.sm.Stop)
	return fx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSessionManager_ConnectDisconnect(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	if err := fx.sm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := fx.sm.State(); got != live.StateOpen {
		t.Fatalf("State = %v, want Open", got)
	}
	setup := fx.server.nextSetup(t)
	if !bytes.Contains(setup, []byte(config.DefaultVoice)) {
		t.Errorf("setup frame does not name voice %q: %s", config.DefaultVoice, setup)
	}
	if fx.speaker.Opens() != 1 {
		t.Errorf("speaker opens = %d, want 1", fx.speaker.Opens())
	}
	if err := fx.sm.Connect(context.Background()); !errors.Is(err, live.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}

	if err := fx.sm.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := fx.sm.State(); got != live.StateClosed {
		t.Errorf("State after Disconnect = %v, want Closed", got)
	}
	if err := fx.sm.Enqueue([]byte{0, 0}); !errors.Is(err, playback.ErrInactive) {
		t.Errorf("Enqueue after Disconnect = %v, want ErrInactive", err)
	}
	eventually(t, "close notice", func() bool { return fx.notes.contains("session closed") })
}

func TestSessionManager_ModelAudioReachesSpeaker(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	if err := fx.sm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pcm := make([]byte, 480)
	fx.server.send(t, map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{
					"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		},
	})
	eventually(t, "speaker write", func() bool {
		played, _ := fx.speaker.Snapshot()
		return len(played) > 0
	})
}

func TestSessionManager_ReconfigureReconnects(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.sm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fx.server.nextSetup(t)

	next := *fx.sm.Config()
	next.Session.Voice = "Charon"
	reconnected, err := fx.sm.Reconfigure(ctx, &next)
	if err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if !reconnected {
		t.Fatal("reconnected = false, want true")
	}
	if setup := fx.server.nextSetup(t); !bytes.Contains(setup, []byte("Charon")) {
		t.Errorf("second setup does not carry the new voice: %s", setup)
	}
	if got := fx.sm.State(); got != live.StateOpen {
		t.Errorf("State = %v, want Open", got)
	}
	if fx.speaker.Opens() != 2 {
		t.Errorf("speaker opens = %d, want 2", fx.speaker.Opens())
	}
}

func TestSessionManager_ReconfigureWithoutSessionOnlyStores(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	next := *fx.sm.Config()
	next.Audio.OutputSampleRate = 16000
	reconnected, err := fx.sm.Reconfigure(context.Background(), &next)
	if err != nil || reconnected {
		t.Fatalf("Reconfigure = (%v, %v), want (false, nil)", reconnected, err)
	}
	if got := fx.sm.Config().Audio.OutputSampleRate; got != 16000 {
		t.Errorf("stored rate = %d, want 16000", got)
	}
	if fx.sm.State() != live.StateIdle {
		t.Errorf("State = %v, want Idle", fx.sm.State())
	}
}

func TestSessionManager_VideoChangeDoesNotReconnect(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.sm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	next := *fx.sm.Config()
	next.Video.FPS = 2
	reconnected, err := fx.sm.Reconfigure(ctx, &next)
	if err != nil || reconnected {
		t.Fatalf("Reconfigure = (%v, %v), want (false, nil)", reconnected, err)
	}
	if fx.speaker.Opens() != 1 {
		t.Errorf("speaker opens = %d, want 1", fx.speaker.Opens())
	}
}

func TestSessionManager_ToggleMic(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	on, err := fx.sm.ToggleMic(ctx)
	if err != nil || !on {
		t.Fatalf("first ToggleMic = (%v, %v), want (true, nil)", on, err)
	}
	if mic, _ := fx.sm.Media(); !mic {
		t.Error("Media reports microphone off")
	}
	on, err = fx.sm.ToggleMic(ctx)
	if err != nil || on {
		t.Fatalf("second ToggleMic = (%v, %v), want (false, nil)", on, err)
	}
	if fx.mic.Opens() != 1 || fx.mic.Closes() != 1 {
		t.Errorf("mic opens/closes = %d/%d, want 1/1", fx.mic.Opens(), fx.mic.Closes())
	}
}

func TestSessionManager_NoDevice(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:  cfg,
		Client:  live.New("k"),
		Devices: &device.Registry{},
	})
	t.Cleanup(sm.Stop)

	if _, err := sm.ToggleMic(context.Background()); !errors.Is(err, app.ErrNoDevice) {
		t.Errorf("ToggleMic = %v, want ErrNoDevice", err)
	}
	if _, err := sm.ToggleVideo(context.Background(), video.KindScreen); !errors.Is(err, app.ErrNoDevice) {
		t.Errorf("ToggleVideo = %v, want ErrNoDevice", err)
	}
}

func TestSessionManager_ToggleVideoSwitchesSource(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	on, err := fx.sm.ToggleVideo(ctx, video.KindCamera)
	if err != nil || !on {
		t.Fatalf("camera on = (%v, %v)", on, err)
	}
	camera := fx.lastSource()

	on, err = fx.sm.ToggleVideo(ctx, video.KindScreen)
	if err != nil || !on {
		t.Fatalf("screen on = (%v, %v)", on, err)
	}
	if camera.Closes() != 1 {
		t.Errorf("camera closes = %d, want 1", camera.Closes())
	}
	if _, kind := fx.sm.Media(); kind != video.KindScreen {
		t.Errorf("Media kind = %q, want screen", kind)
	}

	on, err = fx.sm.ToggleVideo(ctx, video.KindScreen)
	if err != nil || on {
		t.Fatalf("screen off = (%v, %v)", on, err)
	}
	if _, kind := fx.sm.Media(); kind != "" {
		t.Errorf("Media kind = %q, want none", kind)
	}
}

func TestSessionManager_SourceEndedIsReported(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	if _, err := fx.sm.ToggleVideo(context.Background(), video.KindCamera); err != nil {
		t.Fatalf("ToggleVideo: %v", err)
	}
	fx.lastSource().End(errors.New("unplugged"))

	eventually(t, "ended notice", func() bool { return fx.notes.contains("camera capture ended") })
	eventually(t, "pipeline cleared", func() bool {
		_, kind := fx.sm.Media()
		return kind == ""
	})

	// A fresh toggle starts a new pipeline rather than stopping the dead one.
	on, err := fx.sm.ToggleVideo(context.Background(), video.KindCamera)
	if err != nil || !on {
		t.Fatalf("restart = (%v, %v), want (true, nil)", on, err)
	}
}

func TestSessionManager_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.sm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := fx.sm.ToggleMic(ctx); err != nil {
		t.Fatalf("ToggleMic: %v", err)
	}
	fx.sm.Stop()
	fx.sm.Stop()

	if fx.mic.Closes() != 1 {
		t.Errorf("mic closes = %d, want 1", fx.mic.Closes())
	}
	if fx.sm.State() != live.StateClosed {
		t.Errorf("State = %v, want Closed", fx.sm.State())
	}
	if err := fx.sm.Connect(ctx); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Connect after Stop = %v, want ErrClosed", err)
	}
}
