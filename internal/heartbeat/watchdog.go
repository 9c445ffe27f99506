package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// UplinkHeartbeatState exposes the uplink's last-seen heartbeat time so
// the watchdog can judge staleness without owning link-manager state.
type UplinkHeartbeatState interface {
	// LastHeartbeatAt returns the last time a valid heartbeat was seen on
	// the current uplink, and false if there is no uplink installed.
	LastHeartbeatAt() (time.Time, bool)
}

// DeadUplinkHandler reacts to watchdog-declared uplink loss (spec §4.7
// steps 1-4: mark no-uplink and refresh advertisement, disconnect and
// evict state, cascade-disconnect downlinks, resume scanning). The link
// manager implements this; the watchdog only detects staleness.
type DeadUplinkHandler interface {
	OnUplinkDead()
}

// Watchdog implements the heartbeat timeout detector (spec §4.7), one of
// the timer-thread execution domains of spec §5.
type Watchdog struct {
	state     UplinkHeartbeatState
	handler   DeadUplinkHandler
	threshold time.Duration // MISS_THRESHOLD * HEARTBEAT_INTERVAL
	tick      time.Duration
	logger    *slog.Logger
}

// NewWatchdog constructs a Watchdog. threshold is MISS_THRESHOLD ×
// HEARTBEAT_INTERVAL; tick is the polling granularity (spec §5 default 1 s).
func NewWatchdog(state UplinkHeartbeatState, handler DeadUplinkHandler, threshold, tick time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Watchdog{state: state, handler: handler, threshold: threshold, tick: tick, logger: logger}
}

// Run polls the uplink state every tick until ctx is cancelled, declaring
// the uplink dead whenever it observes staleness beyond threshold. A
// later successful reselection resets last_heartbeat_at, so the cycle is
// free to fire again on a future stall.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

// checkOnce runs a single staleness check; it is called from Run's loop
// and from CheckNow.
func (w *Watchdog) checkOnce() {
	last, ok := w.state.LastHeartbeatAt()
	if !ok {
		return
	}
	if time.Since(last) > w.threshold {
		w.logger.Warn("heartbeat: uplink declared dead", "last_heartbeat_at", last, "threshold", w.threshold)
		w.handler.OnUplinkDead()
	}
}

// CheckNow runs one staleness check immediately, so tests can force a
// watchdog evaluation without waiting on the ticker.
func (w *Watchdog) CheckNow() {
	w.checkOnce()
}
