package orchestra

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Protocol is the coordination protocol variant used to assign ready steps
// to agents. New protocols are added by extending this set, not by runtime
// dispatch.
type Protocol string

const (
	// ProtocolLeaderFollower designates one agent as leader; it assigns
	// followers their steps and aggregates completion.
	ProtocolLeaderFollower Protocol = "leader_follower"

	// ProtocolConsensus has agents vote on each assignment; it proceeds
	// only once a quorum agrees, ties broken by lowest agent id.
	ProtocolConsensus Protocol = "consensus"

	// ProtocolAuction has each eligible agent bid a cost for a step; the
	// lowest cost wins, ties broken by earliest bid, then lowest agent id.
	ProtocolAuction Protocol = "auction"

	// ProtocolHierarchical follows a supervisor-to-worker tree; a
	// supervisor may re-delegate but never bypass its own supervisor.
	ProtocolHierarchical Protocol = "hierarchical"
)

// Role describes an agent's role within a coordination plan
type Role string

const (
	RoleLeader     Role = "leader"
	RoleFollower   Role = "follower"
	RoleWorker     Role = "worker"
	RoleSupervisor Role = "supervisor"
)

// Assignment binds one step to one agent
type Assignment struct {
	StepID  string `json:"step_id"`
	AgentID string `json:"agent_id"`
	Role    Role   `json:"role"`
}

// CoordinationPlan is the outcome of a coordination round
type CoordinationPlan struct {
	WorkflowID  string        `json:"workflow_id"`
	Protocol    Protocol      `json:"protocol"`
	Leader      string        `json:"leader,omitempty"`
	Assignments []*Assignment `json:"assignments"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Bid is one agent's offer for a step under the auction protocol
type Bid struct {
	AgentID    string
	Cost       float64
	Confidence float64
	At         time.Time
}

// BidFunc produces an agent's bid for a step. The default bids the agent's
// current load.
type BidFunc func(agent *Agent, step *Step) Bid

// VoteFunc produces an agent's vote for which agent should take a step.
// The default votes for the least loaded capable agent.
type VoteFunc func(voter *Agent, step *Step, candidates []*Agent) string

// AgentRegistry is the external collaborator that owns agent records. The
// core treats its answers as read-only inputs.
type AgentRegistry interface {
	Agents(ctx context.Context) ([]*Agent, error)
	Agent(ctx context.Context, id string) (*Agent, error)
}

// StaticRegistry is an AgentRegistry over a fixed agent set, refreshed by
// Replace. Useful for tests and embedded deployments.
type StaticRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewStaticRegistry creates a registry holding the given agents
func NewStaticRegistry(agents ...*Agent) *StaticRegistry {
	r := &StaticRegistry{agents: map[string]*Agent{}}
	r.Replace(agents)
	return r
}

// Replace swaps the full agent set
func (r *StaticRegistry) Replace(agents []*Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Agent, len(agents))
	for _, a := range agents {
		r.agents[a.ID] = a
	}
}

// Agents returns all registered agents sorted by id
func (r *StaticRegistry) Agents(ctx context.Context) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Agent returns one agent by id
func (r *StaticRegistry) Agent(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, NewErrorf(ErrorTypeValidation, "unknown agent %q", id)
	}
	return a, nil
}

// CoordinationConfig selects and parameterizes the protocol for one
// coordination round.
type CoordinationConfig struct {
	Protocol Protocol

	// Quorum is the fraction of voters that must agree under consensus.
	// Zero means simple majority.
	Quorum float64

	// Bid overrides the default auction bid function
	Bid BidFunc

	// Vote overrides the default consensus vote function
	Vote VoteFunc
}

// CoordinatorOptions configures a coordinator
type CoordinatorOptions struct {
	Registry  AgentRegistry
	Machine   *StateMachine
	Logger    *slog.Logger
	Callbacks Callbacks

	// BarrierTimeout is the default synchronization point timeout
	BarrierTimeout time.Duration

	// BarrierRetries is how many times missing participants are retried
	// before escalation.
	BarrierRetries int
}

// Coordinator assigns ready steps to agents using a pluggable coordination
// protocol and manages synchronization barriers between agents.
type Coordinator struct {
	registry       AgentRegistry
	machine        *StateMachine
	logger         *slog.Logger
	callbacks      Callbacks
	barrierTimeout time.Duration
	barrierRetries int

	// escalate runs when a barrier's retry budget is exhausted. Set once
	// before the coordinator serves traffic.
	escalate func(ctx context.Context, workflowID string, cause error)

	mu         sync.Mutex
	syncPoints map[string]*SyncPoint
}

// SetEscalation registers the handler invoked when a synchronization point
// exhausts its retry budget. Must be called before barriers are created.
func (c *Coordinator) SetEscalation(fn func(ctx context.Context, workflowID string, cause error)) {
	c.escalate = fn
}

// NewCoordinator creates a coordinator
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if opts.Machine == nil {
		return nil, fmt.Errorf("state machine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.BarrierTimeout <= 0 {
		opts.BarrierTimeout = 30 * time.Second
	}
	if opts.BarrierRetries < 0 {
		opts.BarrierRetries = 0
	}
	return &Coordinator{
		registry:       opts.Registry,
		machine:        opts.Machine,
		logger:         opts.Logger,
		callbacks:      opts.Callbacks,
		barrierTimeout: opts.BarrierTimeout,
		barrierRetries: opts.BarrierRetries,
		syncPoints:     map[string]*SyncPoint{},
	}, nil
}

// Coordinate builds an assignment plan for the given ready steps using the
// configured protocol, then records each assignment with the state machine.
func (c *Coordinator) Coordinate(ctx context.Context, workflowID string, steps []*Step, agents []*Agent, cfg CoordinationConfig) (*CoordinationPlan, error) {
	if len(steps) == 0 {
		return nil, NewError(ErrorTypeValidation, "no steps to coordinate")
	}
	if agents == nil {
		var err error
		agents, err = c.registry.Agents(ctx)
		if err != nil {
			return nil, fmt.Errorf("agent registry: %w", err)
		}
	}
	available := make([]*Agent, 0, len(agents))
	for _, a := range agents {
		if a.Available {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil, NewError(ErrorTypeValidation, "no available agents")
	}
	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })

	var plan *CoordinationPlan
	var err error
	switch cfg.Protocol {
	case ProtocolLeaderFollower:
		plan, err = c.leaderFollower(workflowID, steps, available)
	case ProtocolConsensus:
		plan, err = c.consensus(workflowID, steps, available, cfg)
	case ProtocolAuction:
		plan, err = c.auction(workflowID, steps, available, cfg)
	case ProtocolHierarchical:
		plan, err = c.hierarchical(workflowID, steps, available)
	default:
		return nil, NewErrorf(ErrorTypeValidation, "unknown protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, err
	}
	plan.CreatedAt = time.Now()

	for _, a := range plan.Assignments {
		if err := c.machine.AssignStep(ctx, a.StepID, a.AgentID); err != nil {
			return nil, err
		}
	}
	c.logger.Info("coordination plan created",
		"workflow_id", workflowID,
		"protocol", cfg.Protocol,
		"assignments", len(plan.Assignments))
	return plan, nil
}

func eligible(agents []*Agent, step *Step) []*Agent {
	var out []*Agent
	for _, a := range agents {
		if a.Can(step.Capability) {
			out = append(out, a)
		}
	}
	return out
}

// leaderFollower designates the least loaded agent as leader and assigns
// steps to followers round-robin; the leader takes a step itself only when
// it is the sole capable agent.
func (c *Coordinator) leaderFollower(workflowID string, steps []*Step, agents []*Agent) (*CoordinationPlan, error) {
	leader := agents[0]
	for _, a := range agents[1:] {
		if a.Load < leader.Load {
			leader = a
		}
	}
	plan := &CoordinationPlan{
		WorkflowID: workflowID,
		Protocol:   ProtocolLeaderFollower,
		Leader:     leader.ID,
	}
	next := 0
	for _, step := range steps {
		candidates := eligible(agents, step)
		if len(candidates) == 0 {
			return nil, NewErrorf(ErrorTypeValidation,
				"no agent with capability %q for step %q", step.Capability, step.Name)
		}
		var followers []*Agent
		for _, a := range candidates {
			if a.ID != leader.ID {
				followers = append(followers, a)
			}
		}
		if len(followers) == 0 {
			plan.Assignments = append(plan.Assignments, &Assignment{
				StepID: step.ID, AgentID: leader.ID, Role: RoleLeader,
			})
			continue
		}
		assignee := followers[next%len(followers)]
		next++
		plan.Assignments = append(plan.Assignments, &Assignment{
			StepID: step.ID, AgentID: assignee.ID, Role: RoleFollower,
		})
	}
	return plan, nil
}

// consensus lets every agent vote on each step's assignee and proceeds
// only once a quorum agrees; ties break toward the lowest agent id.
func (c *Coordinator) consensus(workflowID string, steps []*Step, agents []*Agent, cfg CoordinationConfig) (*CoordinationPlan, error) {
	quorum := cfg.Quorum
	if quorum <= 0 {
		quorum = 0.5
	}
	vote := cfg.Vote
	if vote == nil {
		vote = func(voter *Agent, step *Step, candidates []*Agent) string {
			best := candidates[0]
			for _, a := range candidates[1:] {
				if a.Load < best.Load {
					best = a
				}
			}
			return best.ID
		}
	}
	plan := &CoordinationPlan{WorkflowID: workflowID, Protocol: ProtocolConsensus}
	for _, step := range steps {
		candidates := eligible(agents, step)
		if len(candidates) == 0 {
			return nil, NewErrorf(ErrorTypeValidation,
				"no agent with capability %q for step %q", step.Capability, step.Name)
		}
		tally := map[string]int{}
		for _, voter := range agents {
			tally[vote(voter, step, candidates)]++
		}
		var winner string
		var winnerVotes int
		choices := make([]string, 0, len(tally))
		for id := range tally {
			choices = append(choices, id)
		}
		sort.Strings(choices)
		for _, id := range choices {
			if tally[id] > winnerVotes {
				winner = id
				winnerVotes = tally[id]
			}
		}
		if float64(winnerVotes) <= quorum*float64(len(agents)) {
			return nil, NewErrorf(ErrorTypeValidation,
				"no quorum for step %q: best candidate has %d of %d votes",
				step.Name, winnerVotes, len(agents))
		}
		plan.Assignments = append(plan.Assignments, &Assignment{
			StepID: step.ID, AgentID: winner, Role: RoleWorker,
		})
	}
	return plan, nil
}

// auction collects a bid from every eligible agent and assigns the step to
// the lowest cost; ties break toward the earliest bid, then lowest id.
func (c *Coordinator) auction(workflowID string, steps []*Step, agents []*Agent, cfg CoordinationConfig) (*CoordinationPlan, error) {
	bid := cfg.Bid
	if bid == nil {
		bid = func(agent *Agent, step *Step) Bid {
			return Bid{AgentID: agent.ID, Cost: agent.Load, At: time.Now()}
		}
	}
	plan := &CoordinationPlan{WorkflowID: workflowID, Protocol: ProtocolAuction}
	for _, step := range steps {
		candidates := eligible(agents, step)
		if len(candidates) == 0 {
			return nil, NewErrorf(ErrorTypeValidation,
				"no agent with capability %q for step %q", step.Capability, step.Name)
		}
		var bids []Bid
		for _, a := range candidates {
			b := bid(a, step)
			b.AgentID = a.ID
			bids = append(bids, b)
		}
		sort.Slice(bids, func(i, j int) bool {
			if bids[i].Cost != bids[j].Cost {
				return bids[i].Cost < bids[j].Cost
			}
			if !bids[i].At.Equal(bids[j].At) {
				return bids[i].At.Before(bids[j].At)
			}
			return bids[i].AgentID < bids[j].AgentID
		})
		plan.Assignments = append(plan.Assignments, &Assignment{
			StepID: step.ID, AgentID: bids[0].AgentID, Role: RoleWorker,
		})
	}
	return plan, nil
}

// hierarchical assigns steps down the supervisor tree: each step goes to
// the least loaded capable worker in the subtree of the root supervisor,
// recorded with its supervising chain intact. A supervisor may re-delegate
// within its subtree but never to agents outside it.
func (c *Coordinator) hierarchical(workflowID string, steps []*Step, agents []*Agent) (*CoordinationPlan, error) {
	byID := make(map[string]*Agent, len(agents))
	children := map[string][]*Agent{}
	var roots []*Agent
	for _, a := range agents {
		byID[a.ID] = a
	}
	for _, a := range agents {
		if a.Supervisor == "" || byID[a.Supervisor] == nil {
			roots = append(roots, a)
		} else {
			children[a.Supervisor] = append(children[a.Supervisor], a)
		}
	}
	if len(roots) == 0 {
		return nil, NewError(ErrorTypeValidation, "no root supervisor in agent tree")
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	root := roots[0]

	// subtree returns the agents a supervisor may delegate to.
	var subtree func(a *Agent) []*Agent
	subtree = func(a *Agent) []*Agent {
		out := []*Agent{a}
		for _, child := range children[a.ID] {
			out = append(out, subtree(child)...)
		}
		return out
	}

	plan := &CoordinationPlan{
		WorkflowID: workflowID,
		Protocol:   ProtocolHierarchical,
		Leader:     root.ID,
	}
	pool := subtree(root)
	for _, step := range steps {
		candidates := eligible(pool, step)
		if len(candidates) == 0 {
			return nil, NewErrorf(ErrorTypeValidation,
				"no agent with capability %q for step %q in supervisor subtree",
				step.Capability, step.Name)
		}
		// Prefer leaf workers; a supervisor takes a step only when no
		// subordinate can.
		var workers []*Agent
		for _, a := range candidates {
			if len(children[a.ID]) == 0 {
				workers = append(workers, a)
			}
		}
		role := RoleWorker
		if len(workers) == 0 {
			workers = candidates
			role = RoleSupervisor
		}
		best := workers[0]
		for _, a := range workers[1:] {
			if a.Load < best.Load {
				best = a
			}
		}
		plan.Assignments = append(plan.Assignments, &Assignment{
			StepID: step.ID, AgentID: best.ID, Role: role,
		})
	}
	return plan, nil
}
