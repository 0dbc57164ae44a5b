// Package orchestrator runs one command across a named set of servers.
//
// Three strategies are supported: parallel (bounded fan-out), sequential
// (one host at a time, in member order) and rolling (sequential with a
// pause between hosts). With StopOnError, hosts that have not started when
// a failure is seen are reported as Skipped. Results are always returned in
// member order, whatever order the hosts finished in.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
)

// Strategy selects how hosts are scheduled.
type Strategy string

const (
	Parallel   Strategy = "parallel"
	Sequential Strategy = "sequential"
	Rolling    Strategy = "rolling"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case Parallel, Sequential, Rolling:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

const defaultParallelLimit = 16

// Runner runs one command on one server.
type Runner interface {
	Run(ctx context.Context, server, command string, opts sshexec.Options) (*sshexec.Result, error)
}

// Inventory lists the servers that make up the "all" group.
type Inventory interface {
	Names() []string
}

// Options control one group execution. When Strategy is empty the group's
// stored defaults apply; StopOnError is then set if either side asks for it.
type Options struct {
	Strategy    Strategy
	Delay       time.Duration
	StopOnError bool
	Dir         string
	Timeout     time.Duration
}

// Status is the outcome for one host.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// HostResult is one member's slot in a GroupResult.
type HostResult struct {
	Server   string          `json:"server"`
	Status   Status          `json:"status"`
	Result   *sshexec.Result `json:"result,omitempty"`
	Kind     fleeterr.Kind   `json:"kind,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// GroupResult is the outcome of one group execution.
type GroupResult struct {
	Group        string        `json:"group"`
	Command      string        `json:"command"`
	Strategy     Strategy      `json:"strategy"`
	StopOnError  bool          `json:"stop_on_error"`
	Hosts        []HostResult  `json:"hosts"`
	Success      bool          `json:"success"`
	FirstFailure string        `json:"first_failure,omitempty"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	Duration     time.Duration `json:"duration"`
}

// Summary is a one-line account of the run.
func (r *GroupResult) Summary() string {
	s := fmt.Sprintf("group %s: %d succeeded, %d failed, %d skipped", r.Group, r.Succeeded, r.Failed, r.Skipped)
	if r.FirstFailure != "" {
		s += fmt.Sprintf(" (first failure: %s)", r.FirstFailure)
	}
	return s
}

// Config tunes an Orchestrator.
type Config struct {
	ParallelLimit int
}

// Orchestrator executes commands over groups. It never touches connection
// state itself; that belongs to the Runner.
type Orchestrator struct {
	runner Runner
	store  *Store
	inv    Inventory
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator.
func New(runner Runner, store *Store, inv Inventory, cfg Config) *Orchestrator {
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = defaultParallelLimit
	}
	return &Orchestrator{runner: runner, store: store, inv: inv, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Group resolves a group by name. "all" is computed from the live inventory
// at call time.
func (o *Orchestrator) Group(name string) (Definition, error) {
	if name == config.AllGroup {
		return Definition{Name: config.AllGroup, Members: o.inv.Names(), Strategy: Parallel, Computed: true}, nil
	}
	return o.store.Get(name)
}

// Groups lists "all" followed by every stored definition.
func (o *Orchestrator) Groups() ([]Definition, error) {
	all, _ := o.Group(config.AllGroup)
	stored, err := o.store.List()
	if err != nil {
		return nil, err
	}
	return append([]Definition{all}, stored...), nil
}

// SaveGroup validates members against the inventory and stores d.
func (o *Orchestrator) SaveGroup(d Definition) error {
	known := make(map[string]bool)
	for _, n := range o.inv.Names() {
		known[n] = true
	}
	for _, m := range d.Members {
		if !known[m] {
			return fleeterr.Newf(fleeterr.KindNotFound, "save group", "unknown server %q", m)
		}
	}
	return o.store.Save(d)
}

// DeleteGroup removes a stored definition.
func (o *Orchestrator) DeleteGroup(name string) error {
	if name == config.AllGroup {
		return fmt.Errorf("group %q is computed and cannot be deleted", config.AllGroup)
	}
	return o.store.Delete(name)
}

// Execute runs command on every member of group. Any failed host turns the
// returned error into PartialGroupFailure carrying the same result.
//
// Unset options fall back to the group's stored defaults, each on its own:
// an explicit strategy still picks up the stored delay and stop-on-error.
func (o *Orchestrator) Execute(ctx context.Context, group, command string, opts Options) (*GroupResult, error) {
	def, err := o.Group(group)
	if err != nil {
		return nil, err
	}
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if opts.Delay == 0 {
		opts.Delay = def.Delay
	}
	opts.StopOnError = opts.StopOnError || def.StopOnError
	return o.ExecuteMembers(ctx, def.Name, def.Members, command, opts)
}

// ExecuteMembers runs command over an explicit member list. name only labels
// the result.
func (o *Orchestrator) ExecuteMembers(ctx context.Context, name string, members []string, command string, opts Options) (*GroupResult, error) {
	if opts.Strategy == "" {
		opts.Strategy = Parallel
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}

	start := time.Now()
	log := logging.Component("orchestrator")
	log.Info().
		Str("group", logging.SanitizeForLog(name)).
		Str("strategy", string(opts.Strategy)).
		Int("hosts", len(members)).
		Str("command", logging.Command(command)).
		Msg("group execution started")

	run := &execution{
		o:       o,
		command: command,
		opts:    opts,
		members: members,
		hosts:   make([]HostResult, len(members)),
	}
	for i, m := range members {
		run.hosts[i] = HostResult{Server: m, Status: StatusSkipped}
	}

	if opts.Strategy == Parallel {
		run.parallel(ctx)
	} else {
		run.sequential(ctx)
	}

	res := run.result(name)
	res.Duration = time.Since(start)
	log.Info().
		Str("group", logging.SanitizeForLog(name)).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Dur("duration", res.Duration).
		Msg("group execution finished")

	if !res.Success {
		e := fleeterr.Newf(fleeterr.KindPartialGroupFailure, "group exec",
			"%d of %d hosts failed, %d skipped", res.Failed, len(members), res.Skipped).
			WithCommand(command, res.Duration)
		e.Detail = res
		return res, e
	}
	return res, nil
}

// execution is the mutable state of one ExecuteMembers call.
type execution struct {
	o       *Orchestrator
	command string
	opts    Options
	members []string

	mu           sync.Mutex
	hosts        []HostResult
	firstFailure string
	stopped      bool
}

func (e *execution) runHost(ctx context.Context, i int) {
	server := e.members[i]
	start := time.Now()
	res, err := e.o.runner.Run(ctx, server, e.command, sshexec.Options{Dir: e.opts.Dir, Timeout: e.opts.Timeout})
	hr := HostResult{Server: server, Result: res, Duration: time.Since(start)}
	switch {
	case err != nil:
		hr.Status = StatusFailed
		hr.Kind = fleeterr.KindOf(err)
		hr.Error = err.Error()
		var fe *fleeterr.Error
		if errors.As(err, &fe) && res == nil && (len(fe.Stdout) > 0 || len(fe.Stderr) > 0) {
			hr.Result = &sshexec.Result{Server: server, Command: e.command, ExitCode: -1, Stdout: string(fe.Stdout), Stderr: string(fe.Stderr)}
		}
	case !res.Success():
		hr.Status = StatusFailed
		hr.Error = fmt.Sprintf("exit status %d", res.ExitCode)
		if res.Signal != "" {
			hr.Error = "killed by signal " + res.Signal
		}
	default:
		hr.Status = StatusSucceeded
	}

	e.mu.Lock()
	e.hosts[i] = hr
	if hr.Status == StatusFailed {
		if e.firstFailure == "" {
			e.firstFailure = server
		}
		if e.opts.StopOnError {
			e.stopped = true
		}
	}
	e.mu.Unlock()
}

func (e *execution) shouldStart(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped
}

// parallel fans out with a bounded number of hosts in flight. A failure
// never cancels hosts already running.
func (e *execution) parallel(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(e.o.cfg.ParallelLimit)
	for i := range e.members {
		if !e.shouldStart(ctx) {
			break
		}
		g.Go(func() error {
			if e.shouldStart(ctx) {
				e.runHost(ctx, i)
			}
			return nil
		})
	}
	g.Wait()
}

// sequential runs hosts in member order; rolling adds the delay between
// consecutive hosts.
func (e *execution) sequential(ctx context.Context) {
	for i := range e.members {
		if i > 0 && e.opts.Strategy == Rolling && e.opts.Delay > 0 {
			if err := e.o.sleep(ctx, e.opts.Delay); err != nil {
				return
			}
		}
		if !e.shouldStart(ctx) {
			return
		}
		e.runHost(ctx, i)
	}
}

func (e *execution) result(name string) *GroupResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := &GroupResult{
		Group:        name,
		Command:      fleeterr.Excerpt(e.command),
		Strategy:     e.opts.Strategy,
		StopOnError:  e.opts.StopOnError,
		Hosts:        append([]HostResult(nil), e.hosts...),
		FirstFailure: e.firstFailure,
	}
	for _, h := range res.Hosts {
		switch h.Status {
		case StatusSucceeded:
			res.Succeeded++
		case StatusFailed:
			res.Failed++
		case StatusSkipped:
			res.Skipped++
		}
	}
	res.Success = res.Failed == 0 && res.Skipped == 0
	return res
}
