package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
)

// Signal reports whether the remote side is reachable
type Signal interface {
	Online() bool
}

// Switch a settable Signal that notifies subscribers when it comes back online
type Switch struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan struct{}
	nextID int
}

var _ Signal = &Switch{}

// NewSwitch create a Switch in the given initial state
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, subs: make(map[int]chan struct{})}
}

// Online .
func (s *Switch) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set update state, an offline to online transition wakes every subscriber
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := online && !s.online
	s.online = online
	if !restored {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default: // a wake-up is already pending
		}
	}
}

// Subscribe receive a value on every offline to online transition, call cancel to unsubscribe
func (s *Switch) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Pinger anything that can check its backend, eg. driver.ITransactionalDB
type Pinger interface {
	Ping() error
}

// Prober periodically pings the remote backend and drives a Switch
type Prober struct {
	target   Pinger
	sw       *Switch
	interval time.Duration
}

// NewProber .
func NewProber(target Pinger, sw *Switch, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{target: target, sw: sw, interval: interval}
}

// Probe ping once and update the switch
func (p *Prober) Probe(ctx context.Context) bool {
	err := p.target.Ping()
	online := err == nil
	if online != p.sw.Online() {
		logger := logging.ExtractLoggerFromContext(ctx)
		if online {
			logger.Info("remote reachable again")
		} else {
			logger.Warn("remote unreachable", zap.Error(err))
		}
	}
	p.sw.Set(online)
	return online
}

// Run probe until ctx is done
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
