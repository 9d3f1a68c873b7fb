package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/randutil"
	"github.com/lox/coinflip/internal/settlement"
	"github.com/lox/coinflip/internal/store"
)

// Broadcaster delivers a state snapshot to every connection bound to a
// contest. Failed deliveries are the broadcaster's to prune.
type Broadcaster interface {
	Broadcast(contestID string, view contest.View)
}

// Connections is the part of the connection registry sessions consult.
type Connections interface {
	Addresses(contestID string) []string
	UnbindContest(contestID string) []string
}

// Recorder queues durable writes without blocking the actor. PendingFor
// reports writes for a contest that have not reached the store yet.
type Recorder interface {
	RecordContest(rec contest.Record)
	RecordRound(contestID string, round contest.Round)
	PendingFor(contestID string) int
}

// Settler runs the guarded settlement hand-off.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (settlement.Outcome, error)
}

// Archiver stores the audit trail of a settled contest.
type Archiver interface {
	Archive(ctx context.Context, rec contest.Record, rounds []contest.Round) error
}

// Loader reads persisted contests for crash recovery.
type Loader interface {
	LoadContest(ctx context.Context, id string) (store.Snapshot, error)
}

// Config wires a Registry.
type Config struct {
	Clock       quartz.Clock
	Logger      *log.Logger
	Broadcaster Broadcaster
	Connections Connections
	Recorder    Recorder
	Settler     Settler
	Archiver    Archiver
	Loader      Loader
	// Flippers returns the coin source for a new session.
	Flippers func(contestID string) contest.Flipper

	// AbandonTimeout cancels a pre-completion contest with no participant
	// connected for this long. Zero disables it.
	AbandonTimeout time.Duration
	// Grace keeps a finished session around for late observers.
	Grace time.Duration
	// InactivityWindow cancels contests with no progress for this long.
	InactivityWindow time.Duration
	SweepInterval    time.Duration
	SettleTimeout    time.Duration
	MailboxSize      int
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = quartz.NewReal()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Flippers == nil {
		c.Flippers = func(string) contest.Flipper { return contest.NewRandFlipper(randutil.NewSecure()) }
	}
	if c.Grace == 0 {
		c.Grace = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.SettleTimeout == 0 {
		c.SettleTimeout = 5 * time.Minute
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
}

// Registry maps contest ids to live sessions.
type Registry struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.WithPrefix("sessions"),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Get returns the live session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the live session for id. A missing session is
// restored from the store if the contest was persisted, otherwise a new
// contest is created with creator seated. An empty creator only restores.
func (r *Registry) GetOrCreate(ctx context.Context, id, creator string, v contest.Variant) (*Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}

	// The store read happens outside the lock; a racing creator is settled
	// below by whoever inserts first.
	var snap *store.Snapshot
	if r.cfg.Loader != nil {
		loaded, err := r.cfg.Loader.LoadContest(ctx, id)
		switch {
		case err == nil:
			snap = &loaded
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load contest %s: %w", id, err)
		}
	}

	now := r.cfg.Clock.Now()
	var (
		c   *contest.Contest
		err error
	)
	switch {
	case snap != nil:
		c, err = contest.Restore(snap.Record, snap.Rounds, now)
	case creator == "":
		return nil, contest.ErrContestNotFound
	default:
		c, err = contest.New(id, creator, v, now)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s := r.newSession(c)
	r.sessions[id] = s
	go func() {
		s.start(snap != nil)
		s.run()
	}()
	return s, nil
}

func (r *Registry) newSession(c *contest.Contest) *Session {
	return &Session{
		id:       c.ID,
		registry: r,
		cfg:      &r.cfg,
		clock:    r.cfg.Clock,
		logger:   r.cfg.Logger.WithPrefix("session").With("contest", c.ID),
		flipper:  r.cfg.Flippers(c.ID),
		mailbox:  make(chan event, r.cfg.MailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		c:        c,
	}
}

// Remove stops the session for id and unbinds its connections.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.stop()
	r.unbind(id)
	return true
}

// detach is called by a session's own actor when it tears itself down.
func (r *Registry) detach(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	r.unbind(s.id)
}

func (r *Registry) unbind(id string) {
	if conns := r.cfg.Connections; conns != nil {
		if ids := conns.UnbindContest(id); len(ids) > 0 {
			r.logger.Debug("Unbound connections of removed contest", "contest", id, "connections", len(ids))
		}
	}
}

// Resettle asks the live session for id, if any, to retry its settlement.
func (r *Registry) Resettle(id string) bool {
	s, ok := r.Get(id)
	if ok {
		s.Resettle()
	}
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the live contest ids in order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep asks every session to cancel itself if it made no progress within
// the inactivity window.
func (r *Registry) Sweep() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.tryPost(event{kind: evInactivity})
	}
}

// Run sweeps on SweepInterval until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.InactivityWindow <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := r.cfg.Clock.NewTicker(r.cfg.SweepInterval, "sessions", "sweep")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// spawn runs a background task tied to the registry's lifetime.
func (r *Registry) spawn(fn func(ctx context.Context)) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		fn(r.ctx)
	}()
}

// Shutdown stops every session and waits for background tasks. In-flight
// settlements are cancelled and recorded for reconciliation.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.cancel()
	for _, s := range sessions {
		s.stop()
	}

	finished := make(chan struct{})
	go func() {
		for _, s := range sessions {
			<-s.done
		}
		r.tasks.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		r.logger.Info("Sessions stopped", "count", len(sessions))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
