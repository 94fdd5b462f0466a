package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/edge-telemetry/internal/hub"
	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(10, zerolog.Nop())
	web := fstest.MapFS{"index.html": {Data: []byte("<html>dashboard</html>")}}
	srv := httptest.NewServer(New(Config{WebFS: web}, h, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, h
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url+"/api/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func sample(kind string) telemetry.Event {
	return telemetry.NewEvent(kind, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), map[string]any{"lat": 10.0})
}

func TestListEvents_EmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv.URL+"/api/events")
	if code != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Fatalf("code=%d body=%q want []", code, body)
	}
}

func TestPostEvent_AcceptsAndLists(t *testing.T) {
	srv, h := newTestServer(t)
	code, body := post(t, srv.URL, `{"timestampIso":"2024-05-01T00:00:00Z","kind":"gps","payload":{"lat":10.0}}`)
	if code != http.StatusOK || strings.TrimSpace(body) != `{"ok":true}` {
		t.Fatalf("code=%d body=%s", code, body)
	}
	if n := len(h.ListRecent()); n != 1 {
		t.Fatalf("hub has %d events, want 1", n)
	}

	_, body = get(t, srv.URL+"/api/events")
	var events []telemetry.Event
	if err := json.Unmarshal([]byte(body), &events); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if len(events) != 1 || events[0].Kind != "gps" || events[0].Payload["lat"] != 10.0 {
		t.Fatalf("events=%+v", events)
	}
}

func TestPostEvent_RejectsInvalid(t *testing.T) {
	srv, h := newTestServer(t)
	for _, body := range []string{
		`not json`,
		`{"kind":"gps","payload":{}}`,
		`{"timestampIso":"2024-05-01T00:00:00Z","payload":{}}`,
		`{"timestampIso":"2024-05-01T00:00:00Z","kind":"gps","payload":[1,2]}`,
	} {
		if code, _ := post(t, srv.URL, body); code != http.StatusBadRequest {
			t.Fatalf("body %s: code=%d want 400", body, code)
		}
	}
	if n := len(h.ListRecent()); n != 0 {
		t.Fatalf("hub has %d events after invalid posts", n)
	}
}

func TestStats(t *testing.T) {
	srv, h := newTestServer(t)
	h.AcceptEvent(sample("gps"))
	_, body := get(t, srv.URL+"/api/stats")
	var st hub.Stats
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if st.Accepted != 1 || st.Buffered != 1 || st.Capacity != 10 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/events", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q want *", got)
	}
}

func TestDashboardServed(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv.URL+"/")
	if code != http.StatusOK || !strings.Contains(body, "dashboard") {
		t.Fatalf("code=%d body=%q", code, body)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestWS_ReplayThenLive(t *testing.T) {
	srv, h := newTestServer(t)
	h.AcceptEvent(sample("A"))
	h.AcceptEvent(sample("B"))

	conn := dialWS(t, srv)
	var recent struct {
		Type   string            `json:"type"`
		Events []telemetry.Event `json:"events"`
	}
	readJSON(t, conn, &recent)
	if recent.Type != "recent" || len(recent.Events) != 2 || recent.Events[0].Kind != "A" || recent.Events[1].Kind != "B" {
		t.Fatalf("recent=%+v", recent)
	}

	// Client chatter is ignored.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	post(t, srv.URL, `{"timestampIso":"2024-05-01T00:00:01Z","kind":"C","payload":{}}`)
	var live telemetry.Event
	readJSON(t, conn, &live)
	if live.Kind != "C" || live.TimestampISO != "2024-05-01T00:00:01Z" {
		t.Fatalf("live=%+v", live)
	}
}

func TestWS_EmptyReplay(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"type":"recent","events":[]}` {
		t.Fatalf("replay=%s", data)
	}
}

func TestWS_DisconnectUnregisters(t *testing.T) {
	srv, h := newTestServer(t)
	conn := dialWS(t, srv)
	var recent map[string]any
	readJSON(t, conn, &recent)
	if st := h.Stats(); st.Subscribers != 1 {
		t.Fatalf("subscribers=%d want 1", st.Subscribers)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Subscribers != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st := h.Stats(); st.Subscribers != 0 {
		t.Fatalf("subscribers=%d want 0", st.Subscribers)
	}
}

func TestWSClient_FullQueueFailsDelivery(t *testing.T) {
	c := newWSClient(nil)
	for i := 0; i < sendQueueSize; i++ {
		if err := c.Deliver(sample("gps")); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if err := c.Deliver(sample("gps")); !errors.Is(err, errSendQueueFull) {
		t.Fatalf("err=%v want %v", err, errSendQueueFull)
	}
	select {
	case <-c.done:
	default:
		t.Fatalf("client not closed after overflow")
	}
	if err := c.Replay(nil); !errors.Is(err, errClientClosed) {
		t.Fatalf("err=%v want %v", err, errClientClosed)
	}
}

func TestRun_BindFailureIsReturned(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	s := New(Config{ListenAddr: ln.Addr().String()}, hub.New(1, zerolog.Nop()), zerolog.Nop())
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected bind error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1:0"}, hub.New(1, zerolog.Nop()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestIngest_Handle(t *testing.T) {
	h := hub.New(10, zerolog.Nop())
	in := NewIngest(IngestConfig{}, h, zerolog.Nop())
	if in.MQTTEnabled() || in.NATSEnabled() {
		t.Fatalf("ingest enabled without brokers")
	}

	data, _ := json.Marshal(sample("gps"))
	if err := in.Handle("mqtt:telemetry/pi/events", data); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if err := in.Handle("nats:telemetry.events", []byte(`{"kind":"gps"}`)); err == nil {
		t.Fatalf("expected error for event without timestamp")
	}
	if err := in.Handle("nats:telemetry.events", []byte(`garbage`)); err == nil {
		t.Fatalf("expected error for garbage")
	}
	if n := len(h.ListRecent()); n != 1 {
		t.Fatalf("hub has %d events, want 1", n)
	}
	in.Close()
}
