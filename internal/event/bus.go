// Package event implements the change-notification fan-out for the options
// engine. The engine and wallet publish a typed ChangeEvent on every order
// transition and ledger append; external listeners subscribe per table and
// receive an ordered sequence with a bounded backlog and an explicit
// unsubscribe.
package event

import (
	"sync"
	"time"
)

// Kind is the change kind of an event.
type Kind string

const (
	Insert Kind = "INSERT"
	Update Kind = "UPDATE"
)

// Table names used as subscription topics.
const (
	TableOrders          = "option_orders"
	TableScheduledTrades = "scheduled_option_trades"
	TableBalances        = "wallet_balances"
	TableLedger          = "ledger_entries"
)

// ChangeEvent describes one row-level change. Delivery is ordered per
// subscriber; a consumer that falls more than maxQueue behind loses the
// oldest events and should re-sync through the API. Consumers de-duplicate
// by (Table, ID, Kind).
type ChangeEvent struct {
	Table   string    `json:"table"`
	Kind    Kind      `json:"kind"`
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher is the write side of the bus. Components that emit events
// depend on this rather than on the concrete Bus.
type Publisher interface {
	Publish(e ChangeEvent)
}

// maxQueue caps a subscriber's backlog. When a consumer falls this far
// behind, the oldest queued event is dropped to admit the new one.
const maxQueue = 1024

// Bus fans events out to subscribers. Each subscriber has its own bounded
// queue drained by its own goroutine, so a slow consumer never blocks the
// publisher or other consumers, and never grows memory without limit.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Publish delivers e to every subscriber whose table filter matches.
// Never blocks on consumers.
func (b *Bus) Publish(e ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.table != "" && s.table != e.Table {
			continue
		}
		s.enqueue(e)
	}
}

// Subscribe registers a listener for one table, or all tables when table
// is empty. The returned cancel func must be called to release the
// subscription; after cancel the channel is closed.
func (b *Bus) Subscribe(table string) (<-chan ChangeEvent, func()) {
	s := &subscriber{
		table:  table,
		ch:     make(chan ChangeEvent, 16),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.ch, cancel
}

type subscriber struct {
	table  string
	ch     chan ChangeEvent
	notify chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	queue []ChangeEvent
}

func (s *subscriber) enqueue(e ChangeEvent) {
	s.mu.Lock()
	if len(s.queue) >= maxQueue {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run drains the queue into the subscriber channel in publish order.
func (s *subscriber) run() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.ch <- e:
			case <-s.done:
				return
			}
		}
	}
}
