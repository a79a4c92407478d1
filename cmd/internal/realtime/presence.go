package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
	"github.com/saad7170/chatsystem/cmd/internal/presence"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// PresenceScope selects who receives user:status broadcasts.
type PresenceScope string

const (
	// PresenceScopeGlobal notifies every other registered connection.
	PresenceScopeGlobal PresenceScope = "global"
	// PresenceScopeContacts notifies only users sharing a conversation.
	PresenceScopeContacts PresenceScope = "contacts"
)

// Valid reports whether s is a known scope.
func (s PresenceScope) Valid() bool {
	return s == PresenceScopeGlobal || s == PresenceScopeContacts
}

// ContactLister resolves the users sharing a conversation with userID.
type ContactLister interface {
	ListContacts(ctx context.Context, userID string) ([]string, error)
}

// Transition is a recorded presence change waiting to be announced and mirrored.
type Transition struct {
	Record  presence.Record
	gen     uint64
	payload v1.UserStatusPayload
	exclude string
}

// Snapshot is the live presence of one user as seen by this process.
type Snapshot struct {
	UserID   string
	Status   chat.PresenceStatus
	LastSeen *time.Time
	Online   bool
}

// Presence derives online/offline/away transitions from the Registry and
// broadcasts them. Recording a transition is cheap and happens under the hub
// lock; announcing it resolves the audience and happens after. The in-memory
// state is authoritative; the mirror is written after the broadcast and its
// failures are logged, never surfaced.
type Presence struct {
	log     *slog.Logger
	metrics *Metrics

	registry *Registry
	scope    PresenceScope
	contacts ContactLister
	mirror   presence.Mirror
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	status   map[string]chat.PresenceStatus
	lastSeen map[string]time.Time
	gens     map[string]uint64

	announce *keyedMutex

	// persistMu orders mirror writes; a write superseded by a newer transition is skipped.
	persistMu sync.Mutex
}

// PresenceConfig configures a Presence coordinator.
type PresenceConfig struct {
	Scope          PresenceScope
	Contacts       ContactLister
	Mirror         presence.Mirror
	PersistTimeout time.Duration
	Now            func() time.Time
}

// NewPresence constructs a coordinator over registry.
func NewPresence(log *slog.Logger, metrics *Metrics, registry *Registry, cfg PresenceConfig) *Presence {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if !cfg.Scope.Valid() {
		cfg.Scope = PresenceScopeGlobal
	}
	if cfg.Scope == PresenceScopeContacts && cfg.Contacts == nil {
		cfg.Scope = PresenceScopeGlobal
	}
	if cfg.Mirror == nil {
		cfg.Mirror = presence.Nop{}
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Presence{
		log:      log,
		metrics:  metrics,
		registry: registry,
		scope:    cfg.Scope,
		contacts: cfg.Contacts,
		mirror:   cfg.Mirror,
		timeout:  cfg.PersistTimeout,
		now:      cfg.Now,
		status:   make(map[string]chat.PresenceStatus),
		lastSeen: make(map[string]time.Time),
		gens:     make(map[string]uint64),
		announce: newKeyedMutex(),
	}
}

// Connect records userID as online. Call it only for a user's first
// connection; the returned transition is then announced and persisted.
func (p *Presence) Connect(userID, originConnID string) Transition {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[userID] = chat.StatusOnline
	t := p.transitionLocked(userID, chat.StatusOnline, &now, now)
	t.payload = v1.UserStatusPayload{UserID: userID, Status: v1.StatusOnline}
	t.exclude = originConnID
	return t
}

// Disconnect records userID as offline with a last-seen time. Call it only
// after the user's last connection is gone.
func (p *Presence) Disconnect(userID string) Transition {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.status, userID)
	p.lastSeen[userID] = now
	t := p.transitionLocked(userID, chat.StatusOffline, &now, now)
	t.payload = v1.UserStatusPayload{UserID: userID, Status: v1.StatusOffline, LastSeen: &now}
	return t
}

// SetStatus changes the status of an online user to online or away.
// changed=false means the status was already set and there is nothing to announce.
func (p *Presence) SetStatus(userID string, status chat.PresenceStatus, originConnID string) (Transition, bool, error) {
	const op = "realtime.SetStatus"

	if status != chat.StatusOnline && status != chat.StatusAway {
		return Transition{}, false, chat.Errorf(op, chat.ErrInvalidArgument, "status must be online or away")
	}
	if !p.registry.IsOnline(userID) {
		return Transition{}, false, chat.Errorf(op, chat.ErrInvalidState, "user has no live connection")
	}

	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status[userID] == status {
		return Transition{}, false, nil
	}
	p.status[userID] = status
	t := p.transitionLocked(userID, status, &now, now)
	t.payload = v1.UserStatusPayload{UserID: userID, Status: string(status)}
	t.exclude = originConnID
	return t, true, nil
}

func (p *Presence) transitionLocked(userID string, status chat.PresenceStatus, lastSeen *time.Time, now time.Time) Transition {
	p.gens[userID]++
	return Transition{
		Record: presence.Record{UserID: userID, Status: status, LastSeen: lastSeen, UpdatedAt: now},
		gen:    p.gens[userID],
	}
}

func (p *Presence) current(t Transition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gens[t.Record.UserID] == t.gen
}

// Announce broadcasts t to its audience. Announcements of one user run one
// at a time and a transition superseded by a newer one is dropped, so the
// last status a peer receives is the current one. Resolving the audience may
// hit the store; callers must not hold hub locks.
func (p *Presence) Announce(ctx context.Context, t Transition) {
	if t.Record.UserID == "" {
		return
	}

	unlock := p.announce.Lock(t.Record.UserID)
	defer unlock()

	if !p.current(t) {
		p.log.Debug("presence.announce.superseded", "user_id", t.Record.UserID, "status", t.Record.Status)
		return
	}
	p.broadcast(ctx, t.Record.UserID, t.payload, t.exclude)
}

// Snapshot returns the live presence of userID. LastSeen is only known for
// users that went offline while this process was running.
func (p *Presence) Snapshot(userID string) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.status[userID]; ok {
		return Snapshot{UserID: userID, Status: st, Online: true}
	}
	s := Snapshot{UserID: userID, Status: chat.StatusOffline}
	if ls, ok := p.lastSeen[userID]; ok {
		ls := ls
		s.LastSeen = &ls
	}
	return s
}

// Persist writes t to the mirror unless a newer transition for the same user
// exists. Failures are logged and counted.
func (p *Presence) Persist(ctx context.Context, t Transition) {
	if t.Record.UserID == "" {
		return
	}

	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	if !p.current(t) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.mirror.Write(ctx, t.Record); err != nil {
		p.metrics.PresencePersistFailures.Inc()
		p.log.Warn("presence.persist.fail", "user_id", t.Record.UserID, "status", t.Record.Status, "err", err)
	}
}

// Refresh rewrites the record of every online user so TTL-based mirrors keep them alive.
func (p *Presence) Refresh(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	records := make([]presence.Record, 0, len(p.status))
	for userID, st := range p.status {
		records = append(records, presence.Record{UserID: userID, Status: st, LastSeen: &now, UpdatedAt: now})
	}
	p.mu.Unlock()

	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	for _, r := range records {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.mirror.Write(wctx, r)
		cancel()
		if err != nil {
			p.metrics.PresencePersistFailures.Inc()
			p.log.Warn("presence.refresh.fail", "user_id", r.UserID, "err", err)
		}
	}
}

// RunRefresh calls Refresh every interval until ctx is done.
func (p *Presence) RunRefresh(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Refresh(ctx)
		}
	}
}

func (p *Presence) broadcast(ctx context.Context, userID string, payload v1.UserStatusPayload, excludeConnID string) {
	audience := p.audience(ctx, userID)
	if len(audience) == 0 {
		return
	}

	env := newEnvelope(v1.TypeUserStatus, payload, p.now())
	n := 0
	for _, c := range audience {
		if c.ConnID == excludeConnID {
			continue
		}
		if deliver(p.log, p.metrics, c, env) {
			n++
		}
	}
	p.metrics.Outbound.WithLabelValues(env.Type).Add(float64(n))
}

func (p *Presence) audience(ctx context.Context, userID string) []*Client {
	if p.scope == PresenceScopeGlobal {
		return p.registry.Clients()
	}

	contacts, err := p.contacts.ListContacts(ctx, userID)
	if err != nil {
		p.log.Warn("presence.audience.fail", "user_id", userID, "err", err)
		return nil
	}

	var out []*Client
	for _, id := range contacts {
		out = append(out, p.registry.ConnectionsFor(id)...)
	}
	// The user's own other devices track their status too.
	out = append(out, p.registry.ConnectionsFor(userID)...)
	return out
}
