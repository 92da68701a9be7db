/*
sweeper.go - Background session sweeper

PURPOSE:

	Periodically expires idle edit sessions, refreshes the advisory
	conflict report on sessions still being edited, and re-syncs the
	parts mirror from the backend.

DESIGN:
  - Runs a background goroutine with configurable sweep interval
  - Expiry and the advisory re-check both go through SessionManager,
    so every discarded session still publishes its event
  - Mirror refresh failures are logged and retried next pass; the
    mirror keeps serving its last good copy in between

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:

	sweeper := NewSessionSweeper(handler)
	sweeper.Start()
	// ... later
	sweeper.Stop()

SEE ALSO:
  - invoicing/session.go: ExpireIdle and RecheckConflict
  - invoicing/mirror.go: Refresh
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/logger"
)

// DefaultSweepInterval balances prompt expiry against backend load from
// the advisory re-checks.
const DefaultSweepInterval = 1 * time.Minute

// SessionSweeper drives session expiry and mirror refresh.
type SessionSweeper struct {
	Sessions      *invoicing.SessionManager
	Mirror        *invoicing.PartsMirror
	CheckInterval time.Duration
	Enabled       bool
	Log           zerolog.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSessionSweeper creates a sweeper over the handler's session
// manager and parts mirror.
func NewSessionSweeper(h *Handler) *SessionSweeper {
	return &SessionSweeper{
		Sessions:      h.Sessions,
		Mirror:        h.Mirror,
		CheckInterval: DefaultSweepInterval,
		Enabled:       true,
		Log:           logger.WithComponent("sweeper"),
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (sw *SessionSweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.Enabled {
		sw.Log.Info().Msg("sweeper disabled, not starting")
		return
	}

	sw.ticker = time.NewTicker(sw.CheckInterval)
	sw.wg.Add(1)

	go sw.run()

	sw.Log.Info().Dur("interval", sw.CheckInterval).Msg("sweeper started")
}

// Stop stops the sweeper.
func (sw *SessionSweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker != nil {
		sw.ticker.Stop()
		close(sw.stop)
		sw.wg.Wait()
		sw.Log.Info().Msg("sweeper stopped")
	}
}

func (sw *SessionSweeper) run() {
	defer sw.wg.Done()

	// Run immediately on start
	sw.sweep()

	for {
		select {
		case <-sw.ticker.C:
			sw.sweep()
		case <-sw.stop:
			return
		}
	}
}

func (sw *SessionSweeper) sweep() {
	ctx := context.Background()

	expired := sw.Sessions.ExpireIdle(time.Now())
	if len(expired) > 0 {
		sw.Log.Info().Int("count", len(expired)).Msg("expired idle sessions")
	}

	rechecked := 0
	for _, s := range sw.Sessions.OpenSessions() {
		if s.State != invoicing.StateEditing {
			continue
		}
		if _, err := sw.Sessions.RecheckConflict(ctx, s.ID); err != nil {
			sw.Log.Warn().Err(err).Str("session_id", s.ID).Msg("advisory conflict re-check failed")
			continue
		}
		rechecked++
	}
	if rechecked > 0 {
		sw.Log.Debug().Int("count", rechecked).Msg("advisory conflict re-checks done")
	}

	if err := sw.Mirror.Refresh(ctx); err != nil {
		sw.Log.Warn().Err(err).Msg("parts mirror refresh failed, serving last good copy")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (sw *SessionSweeper) RunNow() {
	sw.sweep()
}
