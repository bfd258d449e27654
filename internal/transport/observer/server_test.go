package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"citysim.ai/internal/observerproto"
)

type fakeSource struct{}

func (fakeSource) LastTick() (uint64, time.Time) {
	return 7, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
}
func (fakeSource) Timezone() string        { return "Europe/Rome" }
func (fakeSource) ActivityTypes() []string { return []string{"pray", "rest"} }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(fakeSource{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v1/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", s.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Sessions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", n, s.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBootstrap(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/admin/v1/observer/bootstrap")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var b observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.Tick != 7 || b.Timezone != "Europe/Rome" || len(b.ActivityTypes) != 2 || b.ProtocolVersion != observerproto.Version {
		t.Fatalf("unexpected bootstrap %+v", b)
	}

	resp, err = http.Post(ts.URL+"/admin/v1/observer/bootstrap", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestStreamFiltersByCitizen(t *testing.T) {
	s, ts := newTestServer(t)
	all := dial(t, ts)
	one := dial(t, ts)
	if err := all.WriteJSON(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version}); err != nil {
		t.Fatal(err)
	}
	if err := one.WriteJSON(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, Citizens: []string{"marco"}}); err != nil {
		t.Fatal(err)
	}
	waitSessions(t, s, 2)

	s.Broadcast(observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            8,
		Activities: []observerproto.ActivityResult{
			{ActivityID: "a1", Type: "pray", Citizen: "marco", Status: "completed"},
			{ActivityID: "a2", Type: "rest", Citizen: "anna", Status: "completed"},
		},
	})

	read := func(c *websocket.Conn) observerproto.TickMsg {
		t.Helper()
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m observerproto.TickMsg
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}
	if m := read(all); m.Tick != 8 || len(m.Activities) != 2 {
		t.Fatalf("unfiltered observer got %+v", m)
	}
	if m := read(one); len(m.Activities) != 1 || m.Activities[0].Citizen != "marco" {
		t.Fatalf("filtered observer got %+v", m)
	}
}

func TestRejectsBadSubscribe(t *testing.T) {
	s, ts := newTestServer(t)
	c := dial(t, ts)
	if err := c.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if s.Sessions() != 0 {
		t.Fatalf("rejected connection must not register")
	}
}

func TestLoopbackOnly(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.4:1234":  false,
		"garbage":        false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestStreamFiltersByActivityType(t *testing.T) {
	s, ts := newTestServer(t)
	c := dial(t, ts)
	if err := c.WriteJSON(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, ActivityTypes: []string{"rest"}}); err != nil {
		t.Fatal(err)
	}
	waitSessions(t, s, 1)

	s.Broadcast(observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            9,
		Activities: []observerproto.ActivityResult{
			{ActivityID: "a1", Type: "pray", Citizen: "marco", Status: "completed"},
			{ActivityID: "a2", Type: "rest", Citizen: "anna", Status: "completed"},
		},
		Scheduled: []observerproto.Scheduled{
			{Citizen: "marco", Goal: "rest", Activities: 2},
			{Citizen: "anna", Goal: "eat"},
		},
	})

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m observerproto.TickMsg
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(m.Activities) != 1 || m.Activities[0].ActivityID != "a2" {
		t.Fatalf("unexpected activities %+v", m.Activities)
	}
	if len(m.Scheduled) != 1 || m.Scheduled[0].Citizen != "marco" {
		t.Fatalf("unexpected scheduled %+v", m.Scheduled)
	}
}

func TestNilFilterPassesEverything(t *testing.T) {
	if f := observerproto.NewFilter(observerproto.SubscribeMsg{}); f != nil {
		t.Fatalf("empty subscription must compile to a nil filter")
	}
	m := observerproto.TickMsg{Activities: []observerproto.ActivityResult{{Citizen: "x"}}}
	if got := m.Only(nil); len(got.Activities) != 1 {
		t.Fatalf("nil filter dropped entries")
	}
}
