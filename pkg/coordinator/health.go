package coordinator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/backend"
)

// CheckConnection caches whether the backend answered its health check with a 2xx status.
func (r *Router) CheckConnection(ctx context.Context) bool {
	_, err := r.backend.Health(ctx)
	ok := err == nil
	logger := log.With().Str("component", "coordinator").Logger()

	r.mu.Lock()
	changed := ok != r.connected || r.lastCheck.IsZero()
	r.connected = ok
	r.lastCheck = time.Now()
	r.mu.Unlock()

	if changed {
		ev := logger.Info()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Bool("connected", ok).Msg("backend connection state")
	}
	return ok
}

// Connected is the cached result of the last check.
func (r *Router) Connected() (connected bool, checkedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.lastCheck
}

// noteTransportError marks the backend unreachable when a call failed before reaching it.
func (r *Router) noteTransportError(err error) {
	var se *backend.StatusError
	if errors.As(err, &se) {
		return
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

// StartHealthLoop checks the backend now and then every health interval until ctx ends. Only
// one loop runs per router.
func (r *Router) StartHealthLoop(ctx context.Context) {
	if ctx == nil {
		panic("coordinator: StartHealthLoop requires non-nil ctx")
	}
	r.mu.Lock()
	if r.healthRunning {
		r.mu.Unlock()
		return
	}
	r.healthRunning = true
	interval := r.healthInterval
	r.mu.Unlock()

	r.goBackground(func() { r.runHealthLoop(ctx, interval) })
}

func (r *Router) runHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.CheckConnection(ctx)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.healthRunning = false
			r.mu.Unlock()
			return
		case <-ticker.C:
			r.CheckConnection(ctx)
		}
	}
}
