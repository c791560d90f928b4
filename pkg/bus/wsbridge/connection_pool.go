package wsbridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
)

// ConnectionPool tracks the bridged endpoints and fires onIdle once the last one leaves.
type ConnectionPool struct {
	mu          sync.Mutex
	peers       map[*peer]bus.Endpoint
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		peers:       map[*peer]bus.Endpoint{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) Add(ep bus.Endpoint, p *peer) {
	if cp == nil || p == nil {
		return
	}
	cp.mu.Lock()
	cp.peers[p] = ep
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(p *peer) {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.peers, p)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// Endpoints lists the endpoints currently bridged.
func (cp *ConnectionPool) Endpoints() []bus.Endpoint {
	if cp == nil {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make([]bus.Endpoint, 0, len(cp.peers))
	for _, ep := range cp.peers {
		out = append(out, ep)
	}
	return out
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.peers)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	peers := make([]*peer, 0, len(cp.peers))
	for p := range cp.peers {
		peers = append(peers, p)
		delete(cp.peers, p)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.peers) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.peers) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		log.Info().Str("component", "wsbridge").Msg("no bridged endpoints left")
		callback()
	}
}
