// Package leader runs the leadership side of a runtime: it reacts to
// elector events, proposes leadership whenever the seat is empty, and
// distributes background tasks across the quorum while this replica leads.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arloliu/loom/types"
)

// SubmitFunc submits one runtime-level message to the stream and returns
// its client sequence number.
type SubmitFunc func(ctx context.Context, msgType types.MessageType, contents json.RawMessage) (int64, error)

// Config carries the collaborators of a Coordinator.
type Config struct {
	// ClientID returns the current connection identity. Empty while
	// disconnected; no proposals or assignments happen without one.
	ClientID func() string

	Elector  types.LeaderElector
	Source   types.TaskSource
	Assigner types.TaskAssigner

	// Submit sends remote help messages that delegate tasks to other
	// clients.
	Submit SubmitFunc

	// NotifyLeader informs the runtime of a leadership change so it can
	// fan the new leader out to components and hooks.
	NotifyLeader func(leaderID string, isLocal bool)

	// AnnounceTasks hands the tasks this replica should run to the
	// runtime. Called with the full current set on every change.
	AnnounceTasks func(tasks []types.Task)

	// MemberLeft reports a departed quorum member so the runtime can drop
	// state that can never complete, such as partial chunk buffers.
	MemberLeft func(clientID string)

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// Coordinator consumes elector events on its own goroutine and drives
// proposals, notifications, and task assignment from them.
type Coordinator struct {
	cfg Config

	leaderID atomic.Value // string

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a leader coordinator. All Config collaborators must be set.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	c.leaderID.Store("")

	return c
}

// Start launches the event loop. ctx bounds the loop's lifetime alongside
// Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("leader coordinator already started")
	}

	go c.run(ctx)

	return nil
}

// Stop terminates the event loop and waits for it to exit. Safe to call
// more than once.
func (c *Coordinator) Stop() {
	if !c.started.Load() {
		return
	}

	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// OnConnected triggers a leadership proposal once the transport has
// assigned this replica its identity. Called on every transition to the
// connected state; an existing leader simply rejects the proposal.
func (c *Coordinator) OnConnected(ctx context.Context) {
	c.propose(ctx)
}

// CurrentLeader returns the last observed leader's client ID. ok is false
// while no leader is known.
func (c *Coordinator) CurrentLeader() (string, bool) {
	id, _ := c.leaderID.Load().(string)

	return id, id != ""
}

// IsLeader reports whether this replica is the current leader.
func (c *Coordinator) IsLeader() bool {
	id, ok := c.CurrentLeader()

	return ok && id == c.cfg.ClientID()
}

// HandleRemoteHelp reacts to another client's task delegation. Followers
// recompute the assignment over the delegated tasks with the shared
// assigner and pick up their own share; per-task assigners such as the
// consistent hash make every replica arrive at the same split without
// further coordination.
func (c *Coordinator) HandleRemoteHelp(ctx context.Context, help *types.HelpMessage) {
	if c.IsLeader() {
		return
	}

	self := c.cfg.ClientID()
	if self == "" || len(help.Tasks) == 0 {
		return
	}

	tasks, err := c.cfg.Source.ListTasks(ctx)
	if err != nil {
		c.cfg.Logger.Error("failed to list tasks", "error", err)
		return
	}

	delegated := make(map[string]bool, len(help.Tasks))
	for _, name := range help.Tasks {
		delegated[name] = true
	}

	subset := make([]types.Task, 0, len(help.Tasks))
	for _, task := range tasks {
		if delegated[task.Name] {
			subset = append(subset, task)
		}
	}
	if len(subset) == 0 {
		return
	}

	assignments, err := c.cfg.Assigner.Assign(c.cfg.Elector.Members(), subset)
	if err != nil {
		c.cfg.Logger.Error("failed to assign delegated tasks", "error", err)
		return
	}

	mine := assignments[self]
	if len(mine) == 0 {
		return
	}

	c.cfg.Logger.Info("accepted delegated tasks", "count", len(mine))
	c.cfg.Metrics.RecordTaskAssignment(len(mine), 0)
	c.cfg.AnnounceTasks(mine)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	events := c.cfg.Elector.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev types.LeaderEvent) {
	switch ev.Kind {
	case types.LeaderEventNewLeader:
		c.leaderID.Store(ev.ClientID)
		isLocal := ev.ClientID != "" && ev.ClientID == c.cfg.ClientID()

		c.cfg.Metrics.RecordLeadershipChange(ev.ClientID)
		c.cfg.Logger.Info("leader changed", "leader_id", ev.ClientID, "is_local", isLocal)
		c.cfg.NotifyLeader(ev.ClientID, isLocal)

		if isLocal {
			c.assignTasks(ctx)
		}

	case types.LeaderEventLeaderLeft:
		c.leaderID.Store("")
		c.cfg.Logger.Info("leader left", "departed", ev.ClientID)
		c.propose(ctx)

	case types.LeaderEventNoLeader:
		c.propose(ctx)

	case types.LeaderEventMemberLeft:
		c.cfg.MemberLeft(ev.ClientID)

		// Only the sitting leader reassigns; a follower reacting here
		// would fight the leader's delegation.
		if c.IsLeader() {
			c.assignTasks(ctx)
		}
	}
}

// propose asks the elector to make this client the leader. Rejection is the
// expected outcome whenever another client already leads.
func (c *Coordinator) propose(ctx context.Context) {
	if c.cfg.ClientID() == "" {
		return
	}

	err := c.cfg.Elector.ProposeLeadership(ctx)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrProposalRejected):
		c.cfg.Metrics.RecordProposalRejected()
		c.cfg.Logger.Debug("leadership proposal rejected")
	default:
		c.cfg.Logger.Error("failed to propose leadership", "error", err)
	}
}

// assignTasks splits the current task list across the quorum, announces
// the local share, and delegates the rest through one remote help message.
func (c *Coordinator) assignTasks(ctx context.Context) {
	tasks, err := c.cfg.Source.ListTasks(ctx)
	if err != nil {
		c.cfg.Logger.Error("failed to list tasks", "error", err)
		return
	}

	assignments, err := c.cfg.Assigner.Assign(c.cfg.Elector.Members(), tasks)
	if err != nil {
		c.cfg.Logger.Error("failed to assign tasks", "error", err)
		return
	}

	self := c.cfg.ClientID()
	local := assignments[self]

	var remote []string
	for clientID, assigned := range assignments {
		if clientID == self {
			continue
		}
		for _, task := range assigned {
			remote = append(remote, task.Name)
		}
	}
	sort.Strings(remote)

	c.cfg.Metrics.RecordTaskAssignment(len(local), len(remote))
	c.cfg.Logger.Info("tasks assigned",
		"local", len(local),
		"remote", len(remote),
		"total", len(tasks),
	)
	c.cfg.AnnounceTasks(local)

	if len(remote) == 0 {
		return
	}

	payload, err := json.Marshal(types.HelpMessage{Tasks: remote})
	if err != nil {
		c.cfg.Logger.Error("failed to encode help message", "error", err)
		return
	}
	if _, err := c.cfg.Submit(ctx, types.MessageTypeRemoteHelp, payload); err != nil {
		c.cfg.Logger.Error("failed to submit remote help", "error", err)
	}
}
