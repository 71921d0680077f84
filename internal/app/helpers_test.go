package app

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

var (
	errFakeClosed = errors.New("closed")
	errFakeFull   = errors.New("full")
)

// fakeSignal records every frame it accepts.
type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	full   bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFakeClosed
	}
	if f.full {
		return errFakeFull
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSignal) setFull(v bool) {
	f.mu.Lock()
	f.full = v
	f.mu.Unlock()
}

func (f *fakeSignal) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type wireEvent struct {
	Type core.EventType  `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (f *fakeSignal) events(t *testing.T) []wireEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wireEvent, 0, len(f.frames))
	for _, fr := range f.frames {
		var ev wireEvent
		require.NoError(t, json.Unmarshal(fr, &ev))
		out = append(out, ev)
	}
	return out
}

func (f *fakeSignal) ofType(t *testing.T, typ core.EventType) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, ev := range f.events(t) {
		if ev.Type == typ {
			out = append(out, ev.Data)
		}
	}
	return out
}

// count is safe to call from require.Eventually conditions.
func (f *fakeSignal) count(typ core.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		var ev wireEvent
		if json.Unmarshal(fr, &ev) == nil && ev.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeSignal) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

func decodeData[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type testHub struct {
	clk   *clock.Mock
	rooms *Directory
	reg   *Registry
	out   *Publisher
	relay *Relay
	calls *Coordinator
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	clk := clock.NewMock()
	rooms := NewDirectory(clk)
	reg := NewRegistry(rooms)
	out := NewPublisher(reg, ThresholdPolicy{MaxDrops: 100})
	h := &testHub{
		clk:   clk,
		rooms: rooms,
		reg:   reg,
		out:   out,
		relay: NewRelay(reg, rooms, out, nil, clk, RelayOptions{}),
		calls: NewCoordinator(reg, rooms, out, clk, DefaultRingTimeout),
	}
	t.Cleanup(h.calls.Close)
	return h
}

func identity(id string) *domain.Identity {
	return &domain.Identity{ID: domain.IdentityID(id), Name: "name-" + id, Role: domain.RoleCustomer}
}

// connect registers a connection for id that has joined all of id's rooms.
func (h *testHub) connect(t *testing.T, id, sid string) *fakeSignal {
	t.Helper()
	sig := &fakeSignal{}
	conn := NewConnection(core.SessionID(sid), identity(id), "dev-"+sid, sig, h.clk.Now())
	for _, r := range h.rooms.RoomIDsForIdentity(domain.IdentityID(id)) {
		conn.JoinRoom(r)
	}
	_, err := h.reg.Register(conn)
	require.NoError(t, err)
	return sig
}

func (h *testHub) directRoom(t *testing.T, a, b string) domain.Room {
	t.Helper()
	room, _, err := h.rooms.FindOrCreateDirectRoom(domain.IdentityID(a), domain.IdentityID(b))
	require.NoError(t, err)
	return room
}
