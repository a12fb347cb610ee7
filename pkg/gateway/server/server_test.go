package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/pkg/gateway/auth"
	"github.com/voxline/voxline/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeDisabled,
		AudioSampleRateHz:  16000,
		AudioChannels:      1,
		AudioFrameDuration: 60 * time.Millisecond,
		PrebufferFrames:    5,
		MaxAudioFrameBytes: 8192,
		HandshakeTimeout:   2 * time.Second,
		WriteTimeout:       time.Second,
		PingInterval:       20 * time.Second,
		ASRGraceWindow:     time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	s, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/voxline/v1/"
}

func dialLive(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHealthAndReadiness(t *testing.T) {
	s, err := New(testConfig(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d", resp.StatusCode)
	}

	s.SetDraining()
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining readyz status=%d, want 503", resp.StatusCode)
	}
}

func TestLiveHandshake(t *testing.T) {
	srv := newTestServer(t, testConfig())

	header := http.Header{}
	header.Set("Device-Id", "aa:bb:cc:dd:ee:ff")
	header.Set("Client-Id", "client_1")
	conn := dialLive(t, srv, header)

	hello := `{"type":"hello","version":1,"audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var ack map[string]any
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("ack=%q: %v", data, err)
	}
	if ack["type"] != "hello" {
		t.Fatalf("ack type=%v", ack["type"])
	}
	if sid, _ := ack["session_id"].(string); sid == "" {
		t.Fatal("ack missing session_id")
	}
	params, ok := ack["audio_params"].(map[string]any)
	if !ok || params["format"] != "opus" || params["sample_rate"] != float64(16000) {
		t.Fatalf("ack audio_params=%v", ack["audio_params"])
	}
}

func TestLiveRejectsBadHello(t *testing.T) {
	srv := newTestServer(t, testConfig())

	header := http.Header{}
	header.Set("Device-Id", "aa:bb:cc:dd:ee:ff")
	conn := dialLive(t, srv, header)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","version":9}`)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "error" || msg["code"] != "unsupported_version" {
		t.Fatalf("error frame=%v", msg)
	}
}

func TestLiveRequiresDeviceID(t *testing.T) {
	srv := newTestServer(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("dial succeeded without Device-Id")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp=%+v, want 400", resp)
	}
}

func TestLiveAuthRequired(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.AuthSecret = "test-secret"
	cfg.AuthTokenTTL = time.Hour
	srv := newTestServer(t, cfg)

	deviceID := "aa:bb:cc:dd:ee:ff"
	clientID := "client_1"

	// No token.
	header := http.Header{}
	header.Set("Device-Id", deviceID)
	header.Set("Client-Id", clientID)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		t.Fatal("dial succeeded without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%+v, want 401", resp)
	}

	// Forged token.
	header.Set("Authorization", "Bearer bm9wZQ.12345")
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		t.Fatal("dial succeeded with forged token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%+v, want 401", resp)
	}

	// Valid token.
	token := auth.NewManager(cfg.AuthSecret, cfg.AuthTokenTTL).GenerateToken(clientID, deviceID)
	header.Set("Authorization", "Bearer "+token)
	conn := dialLive(t, srv, header)
	conn.Close()
}
