package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Dispatch strategies.
const (
	StrategyRoundRobin = "round_robin" // one operator, load balanced
	StrategyCompeting  = "competing"   // all operators, winner takes all
	StrategyBroadcast  = "broadcast"   // all operators, informational
)

// Dispatch errors.
var (
	ErrNoOperators = errors.New("no operators registered for group")
	ErrNoWinner    = errors.New("no operator produced a result before the deadline")
)

// Selector picks the winning result out of a competing window. A nil return
// means no result was acceptable.
type Selector func(taskID string, results []*protocol.Envelope) *protocol.Envelope

// FirstResult is the default selector: earliest acceptable response wins.
func FirstResult(_ string, results []*protocol.Envelope) *protocol.Envelope {
	if len(results) == 0 {
		return nil
	}
	return results[0]
}

type resultWindow struct {
	results   []*protocol.Envelope
	responded map[string]struct{}
	expected  int
	done      chan *protocol.Envelope
	timer     *time.Timer
}

// ResultCollector aggregates per-task result windows for competing dispatch.
// Each window closes when every expected operator responded or the timeout
// fires, whichever comes first.
type ResultCollector struct {
	selector Selector
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	windows map[string]*resultWindow
}

// NewResultCollector builds a collector; a nil selector means first-wins.
func NewResultCollector(selector Selector, timeout time.Duration, log *slog.Logger) *ResultCollector {
	if selector == nil {
		selector = FirstResult
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResultCollector{
		selector: selector,
		timeout:  timeout,
		log:      log,
		windows:  make(map[string]*resultWindow),
	}
}

// OpenWindow starts collecting results for a task. The returned channel
// yields the winner exactly once; nil means the window closed empty.
func (c *ResultCollector) OpenWindow(taskID string, expected int) <-chan *protocol.Envelope {
	w := &resultWindow{
		responded: make(map[string]struct{}),
		expected:  expected,
		done:      make(chan *protocol.Envelope, 1),
	}
	w.timer = time.AfterFunc(c.timeout, func() {
		c.log.Info("selection window timed out", "task_id", taskID, "timeout", c.timeout)
		c.finalize(taskID)
	})

	c.mu.Lock()
	c.windows[taskID] = w
	c.mu.Unlock()
	return w.done
}

// AddResult feeds one operator response into its task window. Only the first
// response per operator counts; retries after a claim hand-off would
// otherwise double-report.
func (c *ResultCollector) AddResult(taskID, operatorID string, result *protocol.Envelope) bool {
	c.mu.Lock()
	w, ok := c.windows[taskID]
	if !ok {
		c.mu.Unlock()
		c.log.Warn("result for unknown task window", "task_id", taskID, "operator", operatorID)
		return false
	}
	if _, dup := w.responded[operatorID]; dup {
		c.mu.Unlock()
		return false
	}
	w.responded[operatorID] = struct{}{}
	w.results = append(w.results, result)
	full := len(w.results) >= w.expected
	c.mu.Unlock()

	if full {
		c.finalize(taskID)
	}
	return true
}

// Open reports whether a window is currently collecting for the task.
func (c *ResultCollector) Open(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.windows[taskID]
	return ok
}

func (c *ResultCollector) finalize(taskID string) {
	c.mu.Lock()
	w, ok := c.windows[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.windows, taskID)
	c.mu.Unlock()

	w.timer.Stop()
	winner := c.selector(taskID, w.results)
	c.log.Info("finalized task window", "task_id", taskID, "results", len(w.results), "winner", winner != nil)
	w.done <- winner
}

// Dispatcher routes task envelopes to operators by strategy.
type Dispatcher struct {
	operators *OperatorRegistry
	router    *Router
	collector *ResultCollector
	log       *slog.Logger

	mu     sync.Mutex
	cursor map[string]int // per-group round-robin position
}

// NewDispatcher wires the dispatcher; a nil collector gets a default one.
func NewDispatcher(operators *OperatorRegistry, router *Router, collector *ResultCollector, log *slog.Logger) *Dispatcher {
	if collector == nil {
		collector = NewResultCollector(nil, 5*time.Second, log)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		operators: operators,
		router:    router,
		collector: collector,
		log:       log,
		cursor:    make(map[string]int),
	}
}

// Collector exposes the result collector for the operator response path.
func (d *Dispatcher) Collector() *ResultCollector { return d.collector }

// Dispatch sends the task to operators of the group per the strategy and
// returns how many received it.
func (d *Dispatcher) Dispatch(task *protocol.Envelope, group, strategy string) (int, error) {
	members := d.operators.Members(group)
	if len(members) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoOperators, group)
	}
	sort.Strings(members)

	var targets []string
	switch strategy {
	case StrategyCompeting, StrategyBroadcast:
		targets = members
	case StrategyRoundRobin, "":
		targets = []string{d.next(group, members)}
	default:
		return 0, fmt.Errorf("unknown dispatch strategy %q", strategy)
	}

	sender := task.Sender
	if sender == "" {
		sender = SystemSender
	}
	sent := 0
	for _, op := range targets {
		if err := d.router.RouteDirect(task, sender, op); err != nil {
			d.log.Error("failed to deliver task to operator", "task_id", task.ID, "operator", op, "error", err)
			continue
		}
		sent++
	}

	d.log.Info("dispatched task", "task_id", task.ID, "group", group, "strategy", strategy, "sent", sent)
	return sent, nil
}

// DispatchCompeting sends the task to every operator of the group and waits
// for a winner. ErrNoWinner when the window closes empty.
func (d *Dispatcher) DispatchCompeting(ctx context.Context, task *protocol.Envelope, group string) (*protocol.Envelope, error) {
	members := d.operators.Members(group)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOperators, group)
	}

	// Window opens before the sends so an instant response cannot race it.
	done := d.collector.OpenWindow(task.ID, len(members))

	if _, err := d.Dispatch(task, group, StrategyCompeting); err != nil {
		return nil, err
	}

	select {
	case winner := <-done:
		if winner == nil {
			return nil, fmt.Errorf("%w: task %s", ErrNoWinner, task.ID)
		}
		return winner, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResult feeds an operator response into the matching task window.
// Returns false when no window is waiting on it.
func (d *Dispatcher) HandleResult(operatorID string, response *protocol.Envelope) bool {
	if response.RequestID == "" {
		return false
	}
	if ok := d.collector.AddResult(response.RequestID, operatorID, response); !ok {
		return false
	}
	d.operators.RecordTask(operatorID)
	return true
}

func (d *Dispatcher) next(group string, members []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.cursor[group] % len(members)
	d.cursor[group] = i + 1
	return members[i]
}
