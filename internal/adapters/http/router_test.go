package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/marketchat/internal/adapters/auth"
	"github.com/dkeye/marketchat/internal/adapters/signal"
	"github.com/dkeye/marketchat/internal/app"
	"github.com/dkeye/marketchat/internal/app/orch"
	"github.com/dkeye/marketchat/internal/config"
	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

const testSecret = "router-test-secret"

type testEnv struct {
	srv   *httptest.Server
	o     *orch.Orchestrator
	jwt   *auth.JWTAuthenticator
	wsURL string
}

func newTestEnv(t *testing.T, opts signal.Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.New()
	rooms := app.NewDirectory(clk)
	reg := app.NewRegistry(rooms)
	out := app.NewPublisher(reg, app.SimplePolicy{})
	calls := app.NewCoordinator(reg, rooms, out, clk, 0)
	t.Cleanup(calls.Close)
	jwtAuth := auth.NewJWTAuthenticator(testSecret, "", nil)

	o := orch.New(orch.Deps{
		Registry: reg,
		Rooms:    rooms,
		Relay:    app.NewRelay(reg, rooms, out, nil, clk, app.RelayOptions{}),
		Calls:    calls,
		Out:      out,
		Auth:     jwtAuth,
		Clock:    clk,
	})
	ctrl := signal.NewSignalWSController(o, opts, clk)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := &config.Config{Mode: "test", Secret: testSecret, AllowedOrigins: opts.AllowedOrigins}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, ctrl))
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:   srv,
		o:     o,
		jwt:   jwtAuth,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal",
	}
}

func (e *testEnv) dial(t *testing.T, d *websocket.Dialer) (*websocket.Conn, *http.Response) {
	t.Helper()
	if d == nil {
		d = &websocket.Dialer{}
	}
	ws, resp, err := d.Dial(e.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws, resp
}

func (e *testEnv) token(t *testing.T, id string) string {
	t.Helper()
	tok, err := e.jwt.Issue(domain.Identity{ID: domain.IdentityID(id), Name: "name-" + id, Role: domain.RoleCustomer}, time.Hour)
	require.NoError(t, err)
	return tok
}

type wireEvent struct {
	Type core.EventType  `json:"type"`
	Data json.RawMessage `json:"data"`
}

func send(t *testing.T, ws *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func readEvent(t *testing.T, ws *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wireEvent
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func readUntil(t *testing.T, ws *websocket.Conn, typ core.EventType) wireEvent {
	t.Helper()
	for i := 0; i < 20; i++ {
		if ev := readEvent(t, ws); ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event", typ)
	return wireEvent{}
}

func requireClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("connection still open")
		}
		return
	}
}

func (e *testEnv) login(t *testing.T, ws *websocket.Conn, id string) core.SessionID {
	t.Helper()
	send(t, ws, map[string]any{"type": "authenticate", "credential": e.token(t, id), "role": "customer"})
	ev := readEvent(t, ws)
	require.Equal(t, core.EvAuthSuccess, ev.Type, string(ev.Data))
	var data struct {
		Identity     domain.Identity `json:"identity"`
		ConnectionID core.SessionID  `json:"connectionId"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, domain.IdentityID(id), data.Identity.ID)
	require.Equal(t, core.EvRooms, readEvent(t, ws).Type)
	require.Equal(t, core.EvOnlineUsers, readEvent(t, ws).Type)
	return data.ConnectionID
}

func TestHealthzAndMetrics(t *testing.T) {
	e := newTestEnv(t, signal.Options{})

	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["connections"])

	mresp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hub_connections_active")
}

func TestSignal_ChatAndPresenceRoundTrip(t *testing.T) {
	e := newTestEnv(t, signal.Options{})
	room, _, err := e.o.Rooms.FindOrCreateDirectRoom("u1", "u2")
	require.NoError(t, err)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	phone := &websocket.Dialer{Jar: jar}

	ws1, resp := e.dial(t, phone)
	assert.Contains(t, strings.Join(resp.Header.Values("Set-Cookie"), ";"), sessionName)
	sid1 := e.login(t, ws1, "u1")
	assert.NotEmpty(t, sid1)

	ws2, _ := e.dial(t, nil)
	e.login(t, ws2, "u2")

	ev := readUntil(t, ws1, core.EvPresence)
	var p core.PresenceData
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, domain.IdentityID("u2"), p.IdentityID)
	assert.True(t, p.Online)

	send(t, ws1, map[string]any{"type": "sendMessage", "roomId": room.ID, "content": "is it still available?"})
	ev = readUntil(t, ws2, core.EvMessage)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "is it still available?", msg.Content)
	assert.Equal(t, domain.IdentityID("u1"), msg.SenderID)

	// malformed frames are answered, not fatal
	send(t, ws2, map[string]any{"type": "shout"})
	ev = readEvent(t, ws2)
	require.Equal(t, core.EvError, ev.Type)
	var errData core.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &errData))
	assert.Equal(t, domain.CodeBadRequest, errData.Code)
	send(t, ws2, map[string]any{"type": "ping"})
	assert.Equal(t, core.EvPong, readEvent(t, ws2).Type)

	// same cookie jar, same device
	ws1b, _ := e.dial(t, phone)
	sid1b := e.login(t, ws1b, "u1")
	c1, ok := e.o.Registry.Lookup(sid1)
	require.True(t, ok)
	c1b, ok := e.o.Registry.Lookup(sid1b)
	require.True(t, ok)
	assert.NotEmpty(t, c1.DeviceID)
	assert.Equal(t, c1.DeviceID, c1b.DeviceID)

	require.NoError(t, ws2.Close())
	ev = readUntil(t, ws1, core.EvPresence)
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, domain.IdentityID("u2"), p.IdentityID)
	assert.False(t, p.Online)
	assert.Eventually(t, func() bool { return e.o.Registry.Count() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestSignal_BadCredentialClosesConnection(t *testing.T) {
	e := newTestEnv(t, signal.Options{})
	ws, _ := e.dial(t, nil)

	send(t, ws, map[string]any{"type": "authenticate", "credential": "forged", "role": "customer"})
	ev := readEvent(t, ws)
	require.Equal(t, core.EvError, ev.Type)
	var errData core.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &errData))
	assert.Equal(t, domain.CodeAuthFailed, errData.Code)
	requireClosed(t, ws)
	assert.Zero(t, e.o.Registry.Count())
}

func TestSignal_AuthenticationDeadline(t *testing.T) {
	e := newTestEnv(t, signal.Options{AuthTimeout: 150 * time.Millisecond})
	ws, _ := e.dial(t, nil)

	ev := readEvent(t, ws)
	require.Equal(t, core.EvError, ev.Type)
	var errData core.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &errData))
	assert.Equal(t, domain.CodeNotAuthenticated, errData.Code)
	requireClosed(t, ws)
}

func TestSignal_RateLimitedChat(t *testing.T) {
	e := newTestEnv(t, signal.Options{RateLimit: 2, RateInterval: time.Minute})
	room, _, err := e.o.Rooms.FindOrCreateDirectRoom("u1", "u2")
	require.NoError(t, err)
	ws, _ := e.dial(t, nil)
	e.login(t, ws, "u1")

	for i := 0; i < 3; i++ {
		send(t, ws, map[string]any{"type": "sendMessage", "roomId": room.ID, "content": "spam"})
	}
	ev := readEvent(t, ws)
	require.Equal(t, core.EvError, ev.Type)
	var errData core.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &errData))
	assert.Equal(t, domain.CodeRateLimited, errData.Code)

	// other commands are not limited
	send(t, ws, map[string]any{"type": "ping"})
	assert.Equal(t, core.EvPong, readEvent(t, ws).Type)
}

func TestSignal_LogoutClosesConnection(t *testing.T) {
	e := newTestEnv(t, signal.Options{})
	ws, _ := e.dial(t, nil)
	e.login(t, ws, "u1")

	send(t, ws, map[string]any{"type": "logout"})
	requireClosed(t, ws)
	assert.Eventually(t, func() bool { return !e.o.Registry.IsOnline("u1") }, 3*time.Second, 10*time.Millisecond)
}

func TestSignal_RejectsForeignOrigin(t *testing.T) {
	e := newTestEnv(t, signal.Options{AllowedOrigins: []string{"https://market.example"}})

	hdr := http.Header{"Origin": []string{"https://elsewhere.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr.Set("Origin", "https://market.example")
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL, hdr)
	require.NoError(t, err)
	_ = ws.Close()
}
