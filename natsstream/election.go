package natsstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/types"
)

// Common errors for election operations.
var (
	ErrNoAvailableIdentity = errors.New("no available client identity in pool")
	ErrElectionClosed      = errors.New("election already closed")
)

const (
	leaderKey      = "leader"
	presencePrefix = "presence."
)

// ElectionConfig configures a NewElection call.
type ElectionConfig struct {
	// DocumentID scopes the election bucket. Required.
	DocumentID string

	// ClientPrefix is the identity prefix claimed from the pool
	// ("client" yields client-0, client-1, ...). Defaults to "client".
	ClientPrefix string

	// PoolSize is the number of identities available per document.
	// Defaults to 64.
	PoolSize int

	// SessionTTL is how long a silent client keeps its identity and, if
	// leading, its leadership. Defaults to 30s.
	SessionTTL time.Duration

	// HeartbeatInterval is how often presence and leadership are renewed.
	// Defaults to SessionTTL / 3.
	HeartbeatInterval time.Duration

	// Logger receives election diagnostics. Defaults to a no-op logger.
	Logger types.Logger
}

func (c *ElectionConfig) applyDefaults() error {
	if c.DocumentID == "" {
		return errors.New("ElectionConfig.DocumentID is required")
	}
	if c.ClientPrefix == "" {
		c.ClientPrefix = "client"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 64
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.SessionTTL / 3
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}

	return nil
}

// Election implements types.LeaderElector over a single NATS KV bucket.
//
// The bucket carries one leader key and one presence key per connected
// client, all expiring on the session TTL. Atomic KV operations give the
// election its guarantees:
//   - Create (atomic): claim an identity, or the leader seat, only if free
//   - Update (with revision): renew leadership only while still holding it
//   - Delete: release on graceful shutdown for immediate failover
//
// A bucket watch turns key changes into the LeaderEvent stream the leader
// coordinator consumes.
type Election struct {
	kv       jetstream.KeyValue
	cfg      ElectionConfig
	clientID string
	logger   types.Logger

	events chan types.LeaderEvent

	mu        sync.RWMutex
	leader    string
	members   map[string]struct{}
	isLeader  bool
	leaderRev uint64
	closed    bool
	cancel    context.CancelFunc
	watchDone chan struct{}
	renewDone chan struct{}
}

var _ types.LeaderElector = (*Election)(nil)

// NewElection claims a client identity and starts tracking leadership and
// membership for the document.
//
// The returned elector is already a quorum member; pass its ClientID to the
// stream driver so submissions carry the claimed identity.
func NewElection(ctx context.Context, js jetstream.JetStream, cfg ElectionConfig) (*Election, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	kv, err := ensureKVBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      "loom-election-" + sanitizeName(cfg.DocumentID),
		Description: "Loom election and presence for " + cfg.DocumentID,
		TTL:         cfg.SessionTTL,
	}, 3)
	if err != nil {
		return nil, err
	}

	e := &Election{
		kv:        kv,
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    make(chan types.LeaderEvent, 16),
		members:   map[string]struct{}{},
		watchDone: make(chan struct{}),
		renewDone: make(chan struct{}),
	}

	if err := e.claimIdentity(ctx); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	watcher, err := kv.WatchAll(watchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch election bucket: %w", err)
	}

	go e.watchLoop(watchCtx, watcher)
	go e.renewLoop(watchCtx)

	return e, nil
}

// ClientID returns the identity claimed from the pool.
func (e *Election) ClientID() string {
	return e.clientID
}

// claimIdentity sequentially tries pool identities until an atomic Create
// of the presence key succeeds.
func (e *Election) claimIdentity(ctx context.Context) error {
	for id := 0; id < e.cfg.PoolSize; id++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		clientID := fmt.Sprintf("%s-%d", e.cfg.ClientPrefix, id)
		value := time.Now().UTC().Format(time.RFC3339)

		_, err := e.kv.Create(ctx, presencePrefix+clientID, []byte(value))
		if err == nil {
			e.clientID = clientID
			e.logger.Info("client identity claimed", "client_id", clientID, "attempts", id+1)

			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("failed to claim identity %s: %w", clientID, err)
		}
	}

	e.logger.Error("identity pool exhausted",
		"prefix", e.cfg.ClientPrefix, "pool_size", e.cfg.PoolSize)

	return ErrNoAvailableIdentity
}

// ProposeLeadership attempts an atomic Create of the leader key. Losing the
// race to an existing leader is reported as types.ErrProposalRejected.
func (e *Election) ProposeLeadership(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrElectionClosed
	}
	if e.isLeader {
		return nil
	}

	rev, err := e.kv.Create(ctx, leaderKey, []byte(e.clientID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: leader seat already held", types.ErrProposalRejected)
		}

		return fmt.Errorf("failed to create leader key: %w", err)
	}

	e.isLeader = true
	e.leaderRev = rev
	e.logger.Info("leadership acquired", "client_id", e.clientID)

	return nil
}

// Leader returns the current leader observed through the bucket watch.
func (e *Election) Leader() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.leader, e.leader != ""
}

// Members returns the connected client IDs in ascending order.
func (e *Election) Members() []string {
	e.mu.RLock()
	members := make([]string, 0, len(e.members))
	for id := range e.members {
		members = append(members, id)
	}
	e.mu.RUnlock()

	sort.Strings(members)

	return members
}

// Events returns the leadership and membership event channel. Closed on
// elector shutdown.
func (e *Election) Events() <-chan types.LeaderEvent {
	return e.events
}

// Close releases the claimed identity and, if held, the leadership, then
// stops the watch and renewal goroutines.
func (e *Election) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrElectionClosed
	}
	e.closed = true
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	e.cancel()
	<-e.watchDone
	<-e.renewDone

	// Delete our keys so peers fail over immediately instead of waiting
	// out the TTL.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var errs []error
	if wasLeader {
		if err := e.kv.Delete(ctx, leaderKey); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			errs = append(errs, fmt.Errorf("failed to release leadership: %w", err))
		}
	}
	if err := e.kv.Delete(ctx, presencePrefix+e.clientID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		errs = append(errs, fmt.Errorf("failed to release identity: %w", err))
	}

	close(e.events)

	return errors.Join(errs...)
}

// renewLoop refreshes the presence key and, while leading, the leader key
// on every heartbeat interval.
func (e *Election) renewLoop(ctx context.Context) {
	defer close(e.renewDone)

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.renew(ctx)
		}
	}
}

func (e *Election) renew(ctx context.Context) {
	value := []byte(time.Now().UTC().Format(time.RFC3339))

	if _, err := e.kv.Put(ctx, presencePrefix+e.clientID, value); err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("presence renewal failed", "client_id", e.clientID, "error", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return
	}

	rev, err := e.kv.Update(ctx, leaderKey, []byte(e.clientID), e.leaderRev)
	if err != nil {
		// Someone else took the seat, or our lease expired. The watch loop
		// reports the resulting leader change.
		e.isLeader = false
		e.leaderRev = 0
		if ctx.Err() == nil {
			e.logger.Warn("leadership lost", "client_id", e.clientID, "error", err)
		}

		return
	}

	e.leaderRev = rev
}

// watchLoop turns bucket key changes into LeaderEvents. The initial replay
// seeds leader and membership state; events are only emitted for changes
// observed after the replay, plus one NewLeader/NoLeader event describing
// the starting state.
func (e *Election) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer close(e.watchDone)
	defer func() { _ = watcher.Stop() }()

	replaying := true

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// End of initial replay: report the starting state.
				replaying = false
				e.mu.RLock()
				leader := e.leader
				e.mu.RUnlock()
				if leader != "" {
					e.emit(types.LeaderEvent{Kind: types.LeaderEventNewLeader, ClientID: leader})
				} else {
					e.emit(types.LeaderEvent{Kind: types.LeaderEventNoLeader})
				}

				continue
			}

			e.handleEntry(entry, replaying)
		}
	}
}

func (e *Election) handleEntry(entry jetstream.KeyValueEntry, replaying bool) {
	key := entry.Key()
	deleted := entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge

	switch {
	case key == leaderKey:
		e.handleLeaderEntry(entry, deleted, replaying)

	case strings.HasPrefix(key, presencePrefix):
		clientID := strings.TrimPrefix(key, presencePrefix)
		e.mu.Lock()
		_, known := e.members[clientID]
		if deleted {
			delete(e.members, clientID)
		} else {
			e.members[clientID] = struct{}{}
		}
		e.mu.Unlock()

		if deleted && known && !replaying {
			e.logger.Debug("member departed", "client_id", clientID)
			e.emit(types.LeaderEvent{Kind: types.LeaderEventMemberLeft, ClientID: clientID})
		}
	}
}

func (e *Election) handleLeaderEntry(entry jetstream.KeyValueEntry, deleted, replaying bool) {
	e.mu.Lock()
	prev := e.leader
	if deleted {
		e.leader = ""
		if e.isLeader {
			// Our own Close or an external purge; either way the seat is gone.
			e.isLeader = false
			e.leaderRev = 0
		}
	} else {
		e.leader = string(entry.Value())
	}
	next := e.leader
	e.mu.Unlock()

	if replaying || next == prev {
		return
	}

	if next != "" {
		e.logger.Info("leader elected", "leader", next)
		e.emit(types.LeaderEvent{Kind: types.LeaderEventNewLeader, ClientID: next})

		return
	}

	e.logger.Info("leader departed", "leader", prev)
	e.emit(types.LeaderEvent{Kind: types.LeaderEventLeaderLeft, ClientID: prev})
}

// emit delivers an event without ever blocking the watch loop. A full
// channel drops the oldest pending event first; consumers re-read
// authoritative state from Leader() and Members() anyway.
func (e *Election) emit(ev types.LeaderEvent) {
	select {
	case e.events <- ev:
	default:
		select {
		case <-e.events:
		default:
		}
		select {
		case e.events <- ev:
		default:
		}
	}
}
