package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/auth"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/gateway"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/hub"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/registry"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/repository"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/stream"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/testutils"
)

// upstream is a prices server that writes whatever the test pushes.
type upstream struct {
	frames   chan string
	requests chan *http.Request
	srv      *httptest.Server
}

func startUpstream(t *testing.T) *upstream {
	u := &upstream{frames: make(chan string, 16), requests: make(chan *http.Request, 16)}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.requests <- r
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case f := <-u.frames:
				io.WriteString(w, f)
				w.(http.Flusher).Flush()
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type env struct {
	up       *upstream
	mr       *miniredis.Miniredis
	reg      *registry.Registry
	server   *httptest.Server
	provider *testutils.MockProvider
}

func startServer(t *testing.T) *env {
	e := &env{up: startUpstream(t), mr: miniredis.RunT(t), provider: testutils.NewMockProvider()}
	e.provider.Snaps["acct-1"] = testutils.BTCPortfolio("acct-1")

	repo := repository.NewRedisStore(redis.NewClient(&redis.Options{Addr: e.mr.Addr()}), time.Hour)
	t.Cleanup(func() { repo.Close() })

	e.reg = registry.New(registry.Options{
		Stream: stream.Config{
			URL:                e.up.srv.URL + "/stream/prices",
			ScopeParam:         "accountId",
			BackoffBase:        10 * time.Millisecond,
			BackoffCapExponent: 2,
			IdleTimeout:        5 * time.Second,
		},
		MaxPoints: 100,
	}, registry.Deps{
		Provider: e.provider,
		Client:   &http.Client{},
		Tokens:   auth.Static("tok"),
		Sink:     repo,
	}, zap.NewNop())
	t.Cleanup(e.reg.Close)

	wsHub := hub.NewHub(repo, e.reg, hub.Options{ChartWindow: time.Hour}, zap.NewNop())
	t.Cleanup(wsHub.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go wsHub.Run(ctx)

	e.server = httptest.NewServer(gateway.NewMux(wsHub, e.reg, repo, gateway.DefaultTimeouts, zap.NewNop()))
	t.Cleanup(e.server.Close)
	return e
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	t.Cleanup(func() { wsConn.Close() })
	return wsConn
}

type message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(message) bool) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read message: %v", err)
		}
		var m message
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("Undecodable message %s: %v", raw, err)
		}
		if match(m) {
			return m
		}
	}
}

func ofType(typ string) func(message) bool {
	return func(m message) bool { return m.Type == typ }
}

func frame(data string) string { return "event: prices\ndata: " + data + "\n\n" }

func TestEndToEnd_FullFlow(t *testing.T) {
	e := startServer(t)
	wsConn := connectWS(t, e.server.URL)

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{"action": "subscribe", "payload": {"scopes": [" acct-1 "]}, "id": "t1"}`))

	ack := readUntil(t, wsConn, ofType("ack"))
	if ack.Status != "success" || ack.ID != "t1" {
		t.Fatalf("Expected subscription success, got: %+v", ack)
	}
	initial := readUntil(t, wsConn, ofType("holdings"))
	if !strings.Contains(string(initial.Data), `"quantity":2`) {
		t.Errorf("Expected initial holdings, got %s", initial.Data)
	}

	select {
	case req := <-e.up.requests:
		if got := req.URL.Query().Get("accountId"); got != "acct-1" {
			t.Errorf("Expected scope acct-1 upstream, got %q", got)
		}
		if req.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Expected event-stream accept header")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Upstream was never contacted")
	}

	// allow the Redis subscription to register before snapshots are announced
	time.Sleep(100 * time.Millisecond)

	e.up.frames <- frame(`{"totalUSD":100,"rows":[{"id":"BTC","price":50}]}`)
	e.up.frames <- frame(`{"totalUSD":102,"rows":[{"id":"BTC","price":51}]}`)
	e.up.frames <- frame(`{"totalUSD":`)

	last := readUntil(t, wsConn, func(m message) bool {
		return m.Type == "holdings" && strings.Contains(string(m.Data), `"totalUSD":102`)
	})
	if !strings.Contains(string(last.Data), `"price":51`) || !strings.Contains(string(last.Data), `"value":102`) {
		t.Errorf("Expected BTC at 51 worth 102, got %s", last.Data)
	}

	session, ok := e.reg.Lookup("acct-1")
	if !ok {
		t.Fatal("Expected a live session")
	}
	testutils.Eventually(t, 2*time.Second, func() bool { return session.Dispatcher.Anomalies() == 1 }, "malformed frame counted")

	snap := session.Holdings.Snapshot()
	if snap.Holdings["BTC"].Price != 51 || snap.TotalUSD != 102 {
		t.Errorf("Unexpected holdings %+v", snap)
	}
	if state := session.Manager.State(); state.Phase != stream.Open {
		t.Errorf("Expected stream to stay open, got %v", state)
	}

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{"action": "chart", "payload": {"scope": "acct-1", "window": "all"}, "id": "c1"}`))
	chart := readUntil(t, wsConn, ofType("chart"))
	if !strings.Contains(string(chart.Data), `"value":102`) {
		t.Errorf("Expected aggregate chart to include 102, got %s", chart.Data)
	}

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{"action": "unsubscribe", "payload": {"scopes": ["acct-1"]}, "id": "t2"}`))
	unsub := readUntil(t, wsConn, func(m message) bool { return m.ID == "t2" })
	if !strings.Contains(unsub.Message, "Unsubscribed") {
		t.Errorf("Expected unsubscribe ack, got: %+v", unsub)
	}
	if state := session.Manager.State(); state.Phase != stream.Closed {
		t.Errorf("Expected stream closed after the last client left, got %v", state)
	}
}

func TestEndToEnd_SnapshotsAndHealth(t *testing.T) {
	e := startServer(t)
	wsConn := connectWS(t, e.server.URL)

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{"action": "subscribe", "payload": {"scopes": ["acct-1"]}}`))
	readUntil(t, wsConn, ofType("ack"))

	e.up.frames <- frame(`{"totalUSD":102,"rows":[{"id":"BTC","price":51}]}`)
	testutils.Eventually(t, 2*time.Second, func() bool { return e.mr.Exists("holdings:acct-1") }, "snapshot stored")

	resp, err := http.Get(e.server.URL + "/snapshots?scope=acct-1&scope=other")
	if err != nil {
		t.Fatalf("GET /snapshots: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"totalUSD":102`) {
		t.Errorf("Unexpected snapshots response %d: %s", resp.StatusCode, body)
	}

	resp, err = http.Get(e.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health struct {
		Status   string `json:"status"`
		Sessions []struct {
			Scope  string `json:"scope"`
			Stream struct {
				State string `json:"state"`
			} `json:"stream"`
		} `json:"sessions"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" || len(health.Sessions) != 1 || health.Sessions[0].Scope != "acct-1" || health.Sessions[0].Stream.State != "open" {
		t.Errorf("Unexpected health %+v", health)
	}

	resp, err = http.Get(e.server.URL + "/snapshots")
	if err != nil {
		t.Fatalf("GET /snapshots: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without scope, got %d", resp.StatusCode)
	}
}

func TestEndToEnd_InvalidJSON(t *testing.T) {
	e := startServer(t)
	wsConn := connectWS(t, e.server.URL)

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{ "action": "subsc`))

	msg := readUntil(t, wsConn, ofType("error"))
	if !strings.Contains(msg.Message, "Invalid JSON") {
		t.Errorf("Expected error message for bad JSON, got: %+v", msg)
	}
}

func TestEndToEnd_MaxMessageSize(t *testing.T) {
	e := startServer(t)
	wsConn := connectWS(t, e.server.URL)

	hugePayload := strings.Repeat("a", 65*1024)
	hugeMsg := fmt.Sprintf(`{"action":"subscribe", "payload": {"scopes": ["%s"]}}`, hugePayload)

	err := wsConn.WriteMessage(websocket.TextMessage, []byte(hugeMsg))
	// Depending on timing, write might succeed, but Read should fail (Disconnect)
	if err == nil {
		wsConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, _, err := wsConn.ReadMessage()
		if err == nil {
			t.Error("Server should have closed connection for huge message, but it stayed open")
		}
	}
}
