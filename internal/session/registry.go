package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/ledgerstore"
	"github.com/park285/coin-bridge/internal/obslog"
)

// State tracks a per-user session on this node.
type State string

const (
	StateIdle          State = "IDLE"
	StateLoadRequested State = "LOAD_REQUESTED"
	StateOwned         State = "OWNED"
	StateNotOwner      State = "NOT_OWNER"
	StateReleased      State = "RELEASED"
	StateLostLease     State = "LOST_LEASE"
)

// ErrNotOwner signals that another node holds the user's lease. Callers
// no-op the envelope; the owning node processes it.
var ErrNotOwner = errf("not the session owner")

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Claim is proof of ownership for one mutation. Opportunistic claims are
// released right after the command; resident claims stay held until the
// player leaves or the node shuts down.
type Claim struct {
	Token         string
	Opportunistic bool
}

type userSession struct {
	state    State
	token    string
	resident bool

	queue    []func(context.Context)
	draining bool

	heartbeatCancel context.CancelFunc
}

// Registry enforces single-writer per user on this node and serializes
// work per user while letting distinct users proceed in parallel.
type Registry struct {
	store    *ledgerstore.Store
	nodeID   string
	leaseTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*userSession

	wg sync.WaitGroup
}

func NewRegistry(store *ledgerstore.Store, nodeID string, leaseTTL time.Duration) *Registry {
	return &Registry{
		store:    store,
		nodeID:   nodeID,
		leaseTTL: leaseTTL,
		sessions: make(map[string]*userSession),
	}
}

// Enqueue appends task to the user's FIFO queue. One goroutine drains each
// user's queue; tasks for distinct users run concurrently.
func (r *Registry) Enqueue(ctx context.Context, userID string, task func(context.Context)) {
	r.mu.Lock()
	s := r.session(userID)
	s.queue = append(s.queue, task)
	if s.draining {
		r.mu.Unlock()
		return
	}
	s.draining = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.drain(ctx, userID)
}

func (r *Registry) drain(ctx context.Context, userID string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		s := r.sessions[userID]
		if s == nil || len(s.queue) == 0 {
			if s != nil {
				s.draining = false
				r.evictIfIdle(userID, s)
			}
			r.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		r.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		task(ctx)
	}
}

// Acquire attempts ownership of the user's session. A session that already
// holds the lease is reused; otherwise the lease is claimed. Claims for
// non-resident users are opportunistic and must be released by the caller
// via Release; claims for resident users are sticky.
func (r *Registry) Acquire(ctx context.Context, userID string) (Claim, error) {
	r.mu.Lock()
	s := r.session(userID)
	if s.state == StateOwned && s.token != "" {
		claim := Claim{Token: s.token, Opportunistic: !s.resident}
		if s.resident && s.heartbeatCancel == nil {
			hbCtx, cancel := context.WithCancel(context.Background())
			s.heartbeatCancel = cancel
			r.wg.Add(1)
			go r.heartbeat(hbCtx, userID, s.token)
		}
		r.mu.Unlock()
		return claim, nil
	}
	s.state = StateLoadRequested
	token := r.nodeID + ":" + uuid.NewString()[:8]
	r.mu.Unlock()

	if err := r.store.AcquireLease(ctx, userID, token, r.leaseTTL); err != nil {
		r.mu.Lock()
		if err == ledgerstore.ErrLeaseHeld {
			s.state = StateNotOwner
			r.evictIfIdle(userID, s)
			r.mu.Unlock()
			return Claim{}, ErrNotOwner
		}
		s.state = StateIdle
		r.evictIfIdle(userID, s)
		r.mu.Unlock()
		return Claim{}, err
	}

	r.mu.Lock()
	s.state = StateOwned
	s.token = token
	claim := Claim{Token: token, Opportunistic: !s.resident}
	if s.resident && s.heartbeatCancel == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		s.heartbeatCancel = cancel
		r.wg.Add(1)
		go r.heartbeat(hbCtx, userID, token)
	}
	r.mu.Unlock()
	return claim, nil
}

// Release drops an opportunistic claim. Resident claims are kept until
// PlayerLeft or Shutdown.
func (r *Registry) Release(ctx context.Context, userID string, claim Claim) {
	if !claim.Opportunistic {
		return
	}
	r.mu.Lock()
	s := r.sessions[userID]
	if s != nil && s.token == claim.Token {
		s.state = StateReleased
		s.token = ""
		r.evictIfIdle(userID, s)
	}
	r.mu.Unlock()
	if err := r.store.ReleaseLease(ctx, userID, claim.Token); err != nil {
		obslog.L().Warn("session_release_failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// PlayerJoined marks the user resident on this node, acquires a sticky lease
// and starts the heartbeat that keeps it alive.
func (r *Registry) PlayerJoined(ctx context.Context, userID string) error {
	r.mu.Lock()
	s := r.session(userID)
	s.resident = true
	r.mu.Unlock()

	// Acquire starts the heartbeat for resident sessions.
	if _, err := r.Acquire(ctx, userID); err != nil {
		// Another node still holds the lease; residency is recorded and a
		// later acquisition (post lease timeout) will stick.
		return err
	}

	obslog.L().Info("session_resident", zap.String("user_id", userID), zap.String("node_id", r.nodeID))
	return nil
}

// PlayerLeft ends residency: the heartbeat stops and the lease is released.
func (r *Registry) PlayerLeft(ctx context.Context, userID string) {
	r.mu.Lock()
	s := r.sessions[userID]
	if s == nil {
		r.mu.Unlock()
		return
	}
	s.resident = false
	token := s.token
	s.token = ""
	s.state = StateReleased
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
	r.evictIfIdle(userID, s)
	r.mu.Unlock()

	if token != "" {
		if err := r.store.ReleaseLease(ctx, userID, token); err != nil {
			obslog.L().Warn("session_release_failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	obslog.L().Info("session_left", zap.String("user_id", userID))
}

func (r *Registry) heartbeat(ctx context.Context, userID, token string) {
	defer r.wg.Done()
	interval := r.leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.ExtendLease(ctx, userID, token, r.leaseTTL); err != nil {
				// Lost the lease: treat as released, another node may own now.
				r.mu.Lock()
				if s := r.sessions[userID]; s != nil && s.token == token {
					s.state = StateLostLease
					s.token = ""
					if s.heartbeatCancel != nil {
						s.heartbeatCancel()
						s.heartbeatCancel = nil
					}
				}
				r.mu.Unlock()
				obslog.L().Warn("session_lease_lost", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}

// ResidentUsers lists users currently resident on this node.
func (r *Registry) ResidentUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.resident {
			out = append(out, id)
		}
	}
	return out
}

// StateOf reports the session state for a user (IDLE when untracked).
func (r *Registry) StateOf(userID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.sessions[userID]; s != nil {
		return s.state
	}
	return StateIdle
}

// Shutdown releases every held lease and waits for queue drains to finish.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	held := make(map[string]string)
	for id, s := range r.sessions {
		if s.token != "" {
			held[id] = s.token
		}
		if s.heartbeatCancel != nil {
			s.heartbeatCancel()
			s.heartbeatCancel = nil
		}
		s.state = StateReleased
		s.token = ""
	}
	r.mu.Unlock()

	for id, token := range held {
		if err := r.store.ReleaseLease(ctx, id, token); err != nil {
			obslog.L().Warn("session_release_failed", zap.String("user_id", id), zap.Error(err))
		}
	}
	r.wg.Wait()
}

// session returns (creating if needed) the tracked session. Caller holds mu.
func (r *Registry) session(userID string) *userSession {
	s := r.sessions[userID]
	if s == nil {
		s = &userSession{state: StateIdle}
		r.sessions[userID] = s
	}
	return s
}

// evictIfIdle removes map entries with no claim, queue, or residency so the
// registry does not grow with every user ever seen. Caller holds mu.
func (r *Registry) evictIfIdle(userID string, s *userSession) {
	if !s.resident && s.token == "" && len(s.queue) == 0 && !s.draining {
		delete(r.sessions, userID)
	}
}
