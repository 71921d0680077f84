package app

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
	"github.com/dkeye/marketchat/internal/metrics"
)

type persistJob struct {
	msg  *domain.Message
	room *domain.Room
}

// Persister forwards messages and rooms to the stores from a fixed set of
// workers. Enqueueing never blocks: a full queue drops the write. Jobs are
// sharded by room so one room's history keeps its order.
type Persister struct {
	messages core.MessageStore
	rooms    core.RoomStore
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	queues []chan persistJob
	wg     conc.WaitGroup
}

type PersistOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// NewPersister starts the workers. Either store may be nil.
func NewPersister(messages core.MessageStore, rooms core.RoomStore, opts PersistOptions) *Persister {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	p := &Persister{
		messages: messages,
		rooms:    rooms,
		timeout:  opts.Timeout,
		queues:   make([]chan persistJob, opts.Workers),
	}
	for i := range p.queues {
		q := make(chan persistJob, opts.QueueSize)
		p.queues[i] = q
		p.wg.Go(func() { p.work(q) })
	}
	return p
}

func (p *Persister) EnqueueMessage(msg *domain.Message) bool {
	if p == nil || p.messages == nil {
		return false
	}
	return p.enqueue(msg.RoomID, persistJob{msg: msg}, "message")
}

func (p *Persister) EnqueueRoom(room domain.Room) bool {
	if p == nil || p.rooms == nil {
		return false
	}
	r := room.Clone()
	return p.enqueue(r.ID, persistJob{room: &r}, "room")
}

func (p *Persister) enqueue(key domain.RoomID, job persistJob, kind string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.PersistFailures.WithLabelValues(kind, "closed").Inc()
		return false
	}
	select {
	case p.queues[p.shard(key)] <- job:
		return true
	default:
		metrics.PersistFailures.WithLabelValues(kind, "queue_full").Inc()
		log.Warn().Str("module", "app.persist").Str("room", string(key)).Str("kind", kind).Msg("persist queue full, dropping write")
		return false
	}
}

func (p *Persister) shard(key domain.RoomID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Persister) work(q <-chan persistJob) {
	for job := range q {
		p.run(job)
	}
}

func (p *Persister) run(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	switch {
	case job.msg != nil:
		if err := p.messages.AppendMessage(ctx, job.msg); err != nil {
			metrics.PersistFailures.WithLabelValues("message", "store_error").Inc()
			log.Error().Err(err).Str("module", "app.persist").Str("room", string(job.msg.RoomID)).Str("message", string(job.msg.ID)).Msg("append message failed")
		}
	case job.room != nil:
		if err := p.rooms.SaveRoom(ctx, job.room); err != nil {
			metrics.PersistFailures.WithLabelValues("room", "store_error").Inc()
			log.Error().Err(err).Str("module", "app.persist").Str("room", string(job.room.ID)).Msg("save room failed")
		}
	}
}

// Close stops accepting writes and waits for queued ones to drain.
func (p *Persister) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	log.Info().Str("module", "app.persist").Msg("persister drained")
}
