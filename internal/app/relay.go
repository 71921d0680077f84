package app

import (
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
	"github.com/dkeye/marketchat/internal/metrics"
)

// Delivery is the outcome of relaying one chat message.
type Delivery struct {
	Message *domain.Message
	PublishResult
}

type typingKey struct {
	conn core.SessionID
	room domain.RoomID
}

// Relay delivers chat traffic to live members of a room. Delivery is
// at-most-once per connection; offline members get nothing from here.
type Relay struct {
	Registry *Registry
	Rooms    *Directory
	Out      *Publisher
	Persist  *Persister
	Clock    clock.Clock
	MaxLen   int

	receipts *lru.Cache[string, struct{}]

	typingMu sync.Mutex
	typing   map[typingKey]bool
}

type RelayOptions struct {
	MaxMessageLen    int
	ReadReceiptCache int
}

func NewRelay(reg *Registry, rooms *Directory, out *Publisher, persist *Persister, clk clock.Clock, opts RelayOptions) *Relay {
	if clk == nil {
		clk = clock.New()
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = domain.MaxMessageLen
	}
	if opts.ReadReceiptCache <= 0 {
		opts.ReadReceiptCache = 10000
	}
	receipts, err := lru.New[string, struct{}](opts.ReadReceiptCache)
	if err != nil {
		// only fails for a non-positive size, excluded above
		panic(err)
	}
	return &Relay{
		Registry: reg,
		Rooms:    rooms,
		Out:      out,
		Persist:  persist,
		Clock:    clk,
		MaxLen:   opts.MaxMessageLen,
		receipts: receipts,
		typing:   make(map[typingKey]bool),
	}
}

// memberConn resolves the sender and checks room membership.
func (r *Relay) memberConn(sid core.SessionID, roomID domain.RoomID) (*Connection, domain.Room, error) {
	conn, ok := r.Registry.Lookup(sid)
	if !ok {
		return nil, domain.Room{}, domain.ErrNotAuthenticated
	}
	room, err := r.Rooms.GetRoom(roomID)
	if err != nil {
		return nil, domain.Room{}, err
	}
	if !room.HasMember(conn.Identity.ID) {
		return nil, domain.Room{}, domain.Errorf(domain.ErrNotAMember, "not a member of room %s", roomID)
	}
	return conn, room, nil
}

// SendMessage timestamps content, hands it to the message store and pushes it
// to every joined connection of the room except the sending one. The store
// write is queued and never delays or fails live delivery.
func (r *Relay) SendMessage(sender core.SessionID, roomID domain.RoomID, content string) (Delivery, error) {
	if strings.TrimSpace(content) == "" {
		return Delivery{}, domain.Errorf(domain.ErrBadRequest, "empty message")
	}
	if len(content) > r.MaxLen {
		return Delivery{}, domain.Errorf(domain.ErrBadRequest, "message longer than %d bytes", r.MaxLen)
	}
	conn, room, err := r.memberConn(sender, roomID)
	if err != nil {
		return Delivery{}, err
	}

	msg := domain.NewMessage(room.ID, conn.Identity, content, r.Clock.Now())
	r.Persist.EnqueueMessage(msg)
	// the room's activity time orders room lists after a restart
	if touched, ok := r.Rooms.Touch(room.ID); ok {
		r.Persist.EnqueueRoom(touched)
	}
	metrics.MessagesRelayed.Inc()

	res := r.Out.ToRoom(room.ID, room.Members, core.NewEvent(core.EvMessage, msg), sender)
	log.Debug().Str("module", "app.relay").Str("room", string(room.ID)).Str("message", string(msg.ID)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("message relayed")
	return Delivery{Message: msg, PublishResult: res}, nil
}

// SetTyping broadcasts an ephemeral typing state. Repeating the current state
// is not re-broadcast.
func (r *Relay) SetTyping(sender core.SessionID, roomID domain.RoomID, isTyping bool) (PublishResult, error) {
	conn, room, err := r.memberConn(sender, roomID)
	if err != nil {
		return PublishResult{}, err
	}
	key := typingKey{conn: sender, room: room.ID}
	r.typingMu.Lock()
	prev := r.typing[key]
	if isTyping {
		r.typing[key] = true
	} else {
		delete(r.typing, key)
	}
	r.typingMu.Unlock()
	if prev == isTyping {
		return PublishResult{}, nil
	}
	return r.publishTyping(conn, room, isTyping), nil
}

func (r *Relay) publishTyping(conn *Connection, room domain.Room, isTyping bool) PublishResult {
	ev := core.NewEvent(core.EvTyping, core.TypingData{
		IdentityID: conn.Identity.ID,
		Name:       conn.Identity.Name,
		IsTyping:   isTyping,
		RoomID:     room.ID,
	})
	return r.Out.ToRoom(room.ID, room.Others(conn.Identity.ID), ev, conn.ID)
}

// MarkRead broadcasts a read receipt once per (room, message, reader).
func (r *Relay) MarkRead(sid core.SessionID, messageID domain.MessageID, roomID domain.RoomID) (PublishResult, error) {
	conn, room, err := r.memberConn(sid, roomID)
	if err != nil {
		return PublishResult{}, err
	}
	key := string(room.ID) + "|" + string(messageID) + "|" + string(conn.Identity.ID)
	if seen, _ := r.receipts.ContainsOrAdd(key, struct{}{}); seen {
		return PublishResult{}, nil
	}
	ev := core.NewEvent(core.EvMessageRead, core.MessageReadData{
		MessageID:  messageID,
		IdentityID: conn.Identity.ID,
		ReadBy:     conn.Identity.Name,
		RoomID:     room.ID,
	})
	return r.Out.ToRoom(room.ID, room.Members, ev, sid), nil
}

// ForgetConnection clears typing state held by a departing connection and
// tells the room the sender stopped typing.
func (r *Relay) ForgetConnection(conn *Connection) {
	var stale []domain.RoomID
	r.typingMu.Lock()
	for k := range r.typing {
		if k.conn == conn.ID {
			stale = append(stale, k.room)
			delete(r.typing, k)
		}
	}
	r.typingMu.Unlock()

	var res PublishResult
	for _, id := range stale {
		room, err := r.Rooms.GetRoom(id)
		if err != nil {
			continue
		}
		res.add(r.publishTyping(conn, room, false))
	}
	if len(stale) > 0 {
		log.Debug().Str("module", "app.relay").Str("conn", string(conn.ID)).Int("rooms", len(stale)).Int("sent_to", res.SendTo).Msg("cleared typing state")
	}
}
