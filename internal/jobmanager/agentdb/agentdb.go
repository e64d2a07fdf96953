// Package agentdb is the live inventory of worker agents: what they can run, whether they are healthy and which jobs
// they hold.
package agentdb

import (
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
)

const (
	agentsTable = "agents"
	idIndex     = "id"     // lookup by agent id
	onlineIndex = "online" // agents currently presenting themselves
)

// Outcome is how an agent's part in a job ended.
type Outcome int

const (
	// Ok resets the agent's failure counter.
	Ok Outcome = iota
	// SoftFail counts one failure and quarantines the agent for the failure delay.
	SoftFail
	// HardFail quarantines the agent for the failure retry delay.
	HardFail
	// Returned frees the slot without judging the agent, e.g., after a user cancelled the job.
	Returned
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case SoftFail:
		return "soft-fail"
	case HardFail:
		return "hard-fail"
	case Returned:
		return "returned"
	default:
		return "unknown"
	}
}

type Capabilities struct {
	Generator string
	Version   string
	Beams     []string
}

// Satisfies is true if c is a superset of the requirements.
func (c Capabilities) Satisfies(req lab.Requirements) bool {
	if req.Generator != "" && c.Generator != req.Generator {
		return false
	}
	if req.Version != "" && c.Version != req.Version {
		return false
	}
	for _, beam := range req.Beams {
		if !slices.Contains(c.Beams, beam) {
			return false
		}
	}
	return true
}

// Agent is the registry's view of one worker. Agents stored in the registry are immutable; every change inserts a
// modified copy.
type Agent struct {
	Id           string
	Capabilities Capabilities
	// Number of jobs the agent may run concurrently.
	Slots int
	Group string
	// Jobs assigned to this agent by the job manager.
	Jobs []string
	// Jobs the agent claimed to be running in its last presence.
	ReportedJobs        []string
	Online              bool
	LastSeen            time.Time
	LastUsed            time.Time
	ConsecutiveFailures int
	QuarantinedUntil    time.Time
	TotalCompleted      int
}

func (a *Agent) DeepCopy() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities.Beams = slices.Clone(a.Capabilities.Beams)
	c.Jobs = slices.Clone(a.Jobs)
	c.ReportedJobs = slices.Clone(a.ReportedJobs)
	return &c
}

func (a *Agent) FreeSlots() int {
	return a.Slots - len(a.Jobs)
}

// Quarantined is true while the agent is barred from new assignments.
func (a *Agent) Quarantined(now time.Time) bool {
	return now.Before(a.QuarantinedUntil)
}

func (a *Agent) feasible(req lab.Requirements, now time.Time) bool {
	return a.Online && !a.Quarantined(now) && a.FreeSlots() > 0 && a.Capabilities.Satisfies(req)
}

// Presence is what an agent announces about itself.
type Presence struct {
	Id           string
	Capabilities Capabilities
	Slots        int
	Group        string
	Jobs         []string
}

type Config struct {
	// Quarantine after a soft failure.
	FailureDelay time.Duration
	// Consecutive failures after which an agent is quarantined for FailureRetryDelay.
	FailureLimit int
	// Quarantine after a hard failure.
	FailureRetryDelay time.Duration
}

// AgentDb is the agent registry, built on go-memdb. Writes are serialised by memdb's single write transaction, so
// Acquire is atomic with respect to concurrent acquires; reads work on consistent snapshots and may run concurrently
// with writes.
type AgentDb struct {
	db     *memdb.MemDB
	config Config
	clock  clock.PassiveClock
}

func NewAgentDb(config Config, clk clock.PassiveClock) (*AgentDb, error) {
	if config.FailureLimit < 1 {
		return nil, errors.WithStack(&lqerrors.ErrInvalidArgument{
			Name:    "failure_limit",
			Value:   config.FailureLimit,
			Message: "must be at least 1",
		})
	}
	db, err := memdb.NewMemDB(agentDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &AgentDb{db: db, config: config, clock: clk}, nil
}

func getAgent(txn *memdb.Txn, id string) (*Agent, error) {
	obj, err := txn.First(agentsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*Agent), nil
}

func mustGetAgent(txn *memdb.Txn, id string) (*Agent, error) {
	agent, err := getAgent(txn, id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errors.WithStack(&lqerrors.ErrNotFound{Type: "agent", Value: id})
	}
	return agent, nil
}

// UpsertPresence records a presence announcement. It is idempotent: the agent is created on first presence, marked
// online and its LastSeen is refreshed. Assignments, failure counters and quarantine survive.
func (adb *AgentDb) UpsertPresence(p Presence) (*Agent, error) {
	if p.Id == "" {
		return nil, errors.WithStack(&lqerrors.ErrInvalidArgument{Name: "agent", Value: p.Id, Message: "agent id is empty"})
	}
	txn := adb.db.Txn(true)
	defer txn.Abort()
	existing, err := getAgent(txn, p.Id)
	if err != nil {
		return nil, err
	}
	agent := existing.DeepCopy()
	if agent == nil {
		agent = &Agent{Id: p.Id}
	}
	agent.Capabilities = Capabilities{
		Generator: p.Capabilities.Generator,
		Version:   p.Capabilities.Version,
		Beams:     slices.Clone(p.Capabilities.Beams),
	}
	agent.Slots = p.Slots
	if agent.Slots < 1 {
		agent.Slots = 1
	}
	agent.Group = p.Group
	agent.ReportedJobs = slices.Clone(p.Jobs)
	agent.Online = true
	agent.LastSeen = adb.clock.Now()
	if err := txn.Insert(agentsTable, agent); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return agent, nil
}

// Touch refreshes LastSeen of a known agent. Returns false if the agent is unknown.
func (adb *AgentDb) Touch(id string) (bool, error) {
	txn := adb.db.Txn(true)
	defer txn.Abort()
	existing, err := getAgent(txn, id)
	if err != nil || existing == nil {
		return false, err
	}
	agent := existing.DeepCopy()
	agent.LastSeen = adb.clock.Now()
	if err := txn.Insert(agentsTable, agent); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	return true, nil
}

// Acquire reserves a slot on up to k feasible agents for jobId and returns their ids. Least recently used agents are
// preferred, then those with fewer consecutive failures. Returning fewer than k agents is not an error.
func (adb *AgentDb) Acquire(req lab.Requirements, jobId string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	now := adb.clock.Now()
	txn := adb.db.Txn(true)
	defer txn.Abort()

	candidates, err := feasibleAgents(txn, req, now)
	if err != nil {
		return nil, err
	}
	acquired := make([]string, 0, k)
	for _, candidate := range candidates {
		if len(acquired) == k {
			break
		}
		if slices.Contains(candidate.Jobs, jobId) {
			continue
		}
		agent := candidate.DeepCopy()
		agent.Jobs = append(agent.Jobs, jobId)
		agent.LastUsed = now
		if err := txn.Insert(agentsTable, agent); err != nil {
			return nil, errors.WithStack(err)
		}
		acquired = append(acquired, agent.Id)
	}
	txn.Commit()
	return acquired, nil
}

func feasibleAgents(txn *memdb.Txn, req lab.Requirements, now time.Time) ([]*Agent, error) {
	it, err := txn.Get(agentsTable, onlineIndex, true)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var feasible []*Agent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		agent := obj.(*Agent)
		if agent.feasible(req, now) {
			feasible = append(feasible, agent)
		}
	}
	sort.Slice(feasible, func(i, j int) bool {
		a, b := feasible[i], feasible[j]
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		if a.ConsecutiveFailures != b.ConsecutiveFailures {
			return a.ConsecutiveFailures < b.ConsecutiveFailures
		}
		return a.Id < b.Id
	})
	return feasible, nil
}

// Feasible returns the number of agents a job with these requirements could be dispatched to right now.
func (adb *AgentDb) Feasible(req lab.Requirements) (int, error) {
	feasible, err := feasibleAgents(adb.db.Txn(false), req, adb.clock.Now())
	return len(feasible), err
}

// Adopt records that agentId holds jobId without going through Acquire. Used when recovering jobs an agent reported
// in its presence.
func (adb *AgentDb) Adopt(agentId, jobId string) error {
	txn := adb.db.Txn(true)
	defer txn.Abort()
	existing, err := mustGetAgent(txn, agentId)
	if err != nil {
		return err
	}
	if slices.Contains(existing.Jobs, jobId) {
		return nil
	}
	agent := existing.DeepCopy()
	agent.Jobs = append(agent.Jobs, jobId)
	agent.LastUsed = adb.clock.Now()
	if err := txn.Insert(agentsTable, agent); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Release frees the slot agentId holds for jobId and applies the quarantine policy for outcome.
//
// A soft failure increments the failure counter and quarantines the agent for the failure delay; the soft failure
// that brings the counter to the failure limit is escalated to a hard failure. A hard failure raises the counter to at
// least the failure limit and quarantines the agent for the failure retry delay. Ok resets the counter.
func (adb *AgentDb) Release(agentId, jobId string, outcome Outcome) (*Agent, error) {
	now := adb.clock.Now()
	txn := adb.db.Txn(true)
	defer txn.Abort()
	existing, err := mustGetAgent(txn, agentId)
	if err != nil {
		return nil, err
	}
	agent := existing.DeepCopy()
	if i := slices.Index(agent.Jobs, jobId); i >= 0 {
		agent.Jobs = slices.Delete(agent.Jobs, i, i+1)
	}
	switch outcome {
	case Ok:
		agent.ConsecutiveFailures = 0
		agent.TotalCompleted++
	case SoftFail:
		agent.ConsecutiveFailures++
		if agent.ConsecutiveFailures >= adb.config.FailureLimit {
			agent.QuarantinedUntil = now.Add(adb.config.FailureRetryDelay)
		} else {
			agent.QuarantinedUntil = now.Add(adb.config.FailureDelay)
		}
	case HardFail:
		agent.ConsecutiveFailures++
		if agent.ConsecutiveFailures < adb.config.FailureLimit {
			agent.ConsecutiveFailures = adb.config.FailureLimit
		}
		agent.QuarantinedUntil = now.Add(adb.config.FailureRetryDelay)
	case Returned:
	default:
		return nil, errors.Errorf("unknown outcome %d", outcome)
	}
	if err := txn.Insert(agentsTable, agent); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return agent, nil
}

// MarkMissing marks the agent offline and returns the jobs it holds. The assignments stay in place until the caller
// releases them.
func (adb *AgentDb) MarkMissing(id string) ([]string, error) {
	txn := adb.db.Txn(true)
	defer txn.Abort()
	existing, err := getAgent(txn, id)
	if err != nil || existing == nil {
		return nil, err
	}
	agent := existing.DeepCopy()
	agent.Online = false
	if err := txn.Insert(agentsTable, agent); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return slices.Clone(agent.Jobs), nil
}

// Silent returns the online agents that have not been seen since the cutoff.
func (adb *AgentDb) Silent(cutoff time.Time) ([]string, error) {
	it, err := adb.db.Txn(false).Get(agentsTable, onlineIndex, true)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var silent []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if agent := obj.(*Agent); agent.LastSeen.Before(cutoff) {
			silent = append(silent, agent.Id)
		}
	}
	return silent, nil
}

// Evict removes offline agents without assignments that have not been seen since the cutoff.
func (adb *AgentDb) Evict(cutoff time.Time) ([]string, error) {
	txn := adb.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(agentsTable, onlineIndex, false)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var evicted []*Agent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if agent := obj.(*Agent); agent.LastSeen.Before(cutoff) && len(agent.Jobs) == 0 {
			evicted = append(evicted, agent)
		}
	}
	ids := make([]string, 0, len(evicted))
	for _, agent := range evicted {
		if err := txn.Delete(agentsTable, agent); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, agent.Id)
	}
	txn.Commit()
	return ids, nil
}

// Get returns the agent with the given id. The returned agent must not be modified.
func (adb *AgentDb) Get(id string) (*Agent, bool) {
	agent, err := getAgent(adb.db.Txn(false), id)
	if err != nil || agent == nil {
		return nil, false
	}
	return agent, true
}

// All returns a snapshot of every agent, ordered by id. The returned agents must not be modified.
func (adb *AgentDb) All() ([]*Agent, error) {
	it, err := adb.db.Txn(false).Get(agentsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var agents []*Agent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		agents = append(agents, obj.(*Agent))
	}
	return agents, nil
}

func agentDbSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	indexes[onlineIndex] = &memdb.IndexSchema{
		Name:    onlineIndex,
		Unique:  false,
		Indexer: &memdb.BoolFieldIndex{Field: "Online"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			agentsTable: {
				Name:    agentsTable,
				Indexes: indexes,
			},
		},
	}
}
