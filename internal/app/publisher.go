package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
	"github.com/dkeye/marketchat/internal/metrics"
)

// PublishResult reports delivery stats/backpressure.
type PublishResult struct {
	SendTo  int
	Dropped []core.SessionID
}

func (r *PublishResult) add(o PublishResult) {
	r.SendTo += o.SendTo
	r.Dropped = append(r.Dropped, o.Dropped...)
}

// Publisher encodes events once and pushes them to live connections without
// blocking. Kicking only closes the transport; the adapter's read loop then
// runs the regular disconnect path, so Publisher is safe to call under any
// component lock.
type Publisher struct {
	Registry *Registry
	Policy   Policy
}

func NewPublisher(reg *Registry, policy Policy) *Publisher {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Publisher{Registry: reg, Policy: policy}
}

func (p *Publisher) ToConnections(ids []core.SessionID, ev core.Event) PublishResult {
	res := PublishResult{}
	if len(ids) == 0 {
		return res
	}
	frame, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.publisher").Str("type", string(ev.Type)).Msg("encode event")
		return res
	}
	for _, id := range ids {
		conn, ok := p.Registry.Lookup(id)
		if !ok {
			continue
		}
		if p.send(conn, frame, ev.Type) {
			res.SendTo++
		} else {
			res.Dropped = append(res.Dropped, id)
		}
	}
	return res
}

// ToConnection sends to a single registered connection.
func (p *Publisher) ToConnection(id core.SessionID, ev core.Event) PublishResult {
	return p.ToConnections([]core.SessionID{id}, ev)
}

// ToIdentity sends to every connection of id, skipping except.
func (p *Publisher) ToIdentity(id domain.IdentityID, ev core.Event, except core.SessionID) PublishResult {
	ids := p.Registry.ConnectionsFor(id)
	if except != "" {
		ids = without(ids, except)
	}
	return p.ToConnections(ids, ev)
}

// ToRoom sends to every connection of the given members that has joined room.
func (p *Publisher) ToRoom(room domain.RoomID, members []domain.IdentityID, ev core.Event, except core.SessionID) PublishResult {
	ids := make([]core.SessionID, 0, len(members))
	for _, m := range members {
		for _, sid := range p.Registry.ConnectionsFor(m) {
			if sid == except {
				continue
			}
			if c, ok := p.Registry.Lookup(sid); ok && c.HasJoined(room) {
				ids = append(ids, sid)
			}
		}
	}
	return p.ToConnections(ids, ev)
}

// Raw sends to a signal connection that may not be registered yet, e.g. an
// authentication failure.
func Raw(sig core.SignalConnection, ev core.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	return sig.TrySend(frame)
}

func (p *Publisher) send(conn *Connection, frame core.Frame, t core.EventType) bool {
	if err := conn.Signal.TrySend(frame); err != nil {
		metrics.EventsDropped.WithLabelValues(string(t)).Inc()
		drops := int(conn.drops.Add(1))
		action := p.Policy.OnBackPressure(conn, drops)
		log.Warn().Err(err).Str("module", "app.publisher").Str("conn", string(conn.ID)).Str("type", string(t)).Int("drops", drops).Int("action", int(action)).Msg("send dropped")
		if action == KickMember {
			conn.Signal.Close()
		}
		return false
	}
	conn.drops.Store(0)
	metrics.EventsSent.WithLabelValues(string(t)).Inc()
	return true
}

func without(ids []core.SessionID, except core.SessionID) []core.SessionID {
	out := ids[:0]
	for _, id := range ids {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}
