package snapshot

import (
	"sync"
	"time"

	"eg4-assistant/internal/reading"
)

type UpdateType string

const (
	EG4Update     UpdateType = "eg4_update"
	SRPUpdate     UpdateType = "srp_update"
	EnphaseUpdate UpdateType = "enphase_update"
	AlertUpdate   UpdateType = "alert"
)

// UpdateFor returns the message type for a portal's readings.
func UpdateFor(p reading.Portal) UpdateType {
	switch p {
	case reading.PortalSRP:
		return SRPUpdate
	case reading.PortalEnphase:
		return EnphaseUpdate
	}
	return EG4Update
}

type Update struct {
	Type    UpdateType      `json:"type"`
	Portal  reading.Portal  `json:"portal,omitempty"`
	Reading reading.Reading `json:"-"`
	Event   *reading.Event  `json:"-"`
	At      time.Time       `json:"at"`
}

// Data is the payload sent to stream clients.
func (u Update) Data() any {
	if u.Event != nil {
		return u.Event
	}
	return u.Reading
}

// Composite is the latest known reading per portal.
type Composite struct {
	EG4           *reading.InverterSample `json:"eg4"`
	SRP           *reading.UtilityDaily   `json:"srp"`
	Enphase       *reading.SolarSummary   `json:"enphase"`
	Connected     map[reading.Portal]bool `json:"connected"`
	LastUpdate    time.Time               `json:"last_update"`
	CSVFilesCount int                     `json:"csv_files_count"`
}

func (c Composite) clone() Composite {
	out := Composite{
		LastUpdate:    c.LastUpdate,
		CSVFilesCount: c.CSVFilesCount,
		Connected:     make(map[reading.Portal]bool, len(c.Connected)),
		SRP:           c.SRP.Clone(),
	}
	for p, ok := range c.Connected {
		out.Connected[p] = ok
	}
	if c.EG4 != nil {
		s := *c.EG4
		out.EG4 = &s
	}
	if c.Enphase != nil {
		s := *c.Enphase
		out.Enphase = &s
	}
	return out
}

// Reading returns the slot for p, or nil.
func (c Composite) Reading(p reading.Portal) reading.Reading {
	switch p {
	case reading.PortalEG4:
		if c.EG4 != nil {
			return c.EG4
		}
	case reading.PortalSRP:
		if c.SRP != nil {
			return c.SRP
		}
	case reading.PortalEnphase:
		if c.Enphase != nil {
			return c.Enphase
		}
	}
	return nil
}

const DefaultBacklog = 64

// Bus holds the composite and fans updates out to subscribers. Sends never
// block: a subscriber whose backlog is full is closed and dropped.
type Bus struct {
	mu      sync.Mutex
	state   Composite
	subs    map[uint64]*Subscription
	nextID  uint64
	backlog int
	now     func() time.Time
}

func NewBus(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	connected := make(map[reading.Portal]bool, len(reading.Portals))
	for _, p := range reading.Portals {
		connected[p] = false
	}
	return &Bus{
		state:   Composite{Connected: connected},
		subs:    make(map[uint64]*Subscription),
		backlog: backlog,
		now:     time.Now,
	}
}

func (b *Bus) store(r reading.Reading) {
	switch v := r.(type) {
	case *reading.InverterSample:
		s := *v
		b.state.EG4 = &s
	case *reading.UtilityDaily:
		b.state.SRP = v.Clone()
		b.state.CSVFilesCount = v.CSVCount()
	case *reading.SolarSummary:
		s := *v
		b.state.Enphase = &s
	}
}

// Seed stores a reading without notifying subscribers.
func (b *Bus) Seed(r reading.Reading) {
	if r == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store(r)
	if t := r.ObservedAt(); t.After(b.state.LastUpdate) {
		b.state.LastUpdate = t
	}
}

// Publish stores r, marks its portal connected and notifies subscribers.
func (b *Bus) Publish(r reading.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store(r)
	b.state.Connected[r.Source()] = true
	b.state.LastUpdate = b.now()
	b.broadcast(Update{Type: UpdateFor(r.Source()), Portal: r.Source(), Reading: r, At: b.state.LastUpdate})
}

func (b *Bus) SetConnected(p reading.Portal, ok bool) {
	b.mu.Lock()
	b.state.Connected[p] = ok
	b.mu.Unlock()
}

func (b *Bus) PublishEvent(e *reading.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast(Update{Type: AlertUpdate, Portal: e.Portal, Event: e, At: e.Timestamp})
}

func (b *Bus) Current() Composite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.clone()
}

func (b *Bus) broadcast(u Update) {
	for id, sub := range b.subs {
		select {
		case sub.ch <- u:
		default:
			delete(b.subs, id)
			sub.closeLocked()
		}
	}
}

type Subscription struct {
	C <-chan Update

	ch     chan Update
	bus    *Bus
	id     uint64
	closed bool
}

// Subscribe returns a subscription receiving every later update in order.
// C is closed on Close or when the subscriber falls behind.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Update, b.backlog)
	b.nextID++
	sub := &Subscription{C: ch, ch: ch, bus: b, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribers is the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
