// Package handler reacts to button edges in two tiers: a bounded fast path
// that adjusts outputs from a rule table, and a deferred task it schedules
// for everything slower.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/line"
	"github.com/sweeney/buttond/internal/work"
)

// Rule says: when Trigger fires and Output is at When, drive Output to Set.
type Rule struct {
	Trigger line.ID
	Output  line.ID
	When    gpio.Level
	Set     gpio.Level
}

// Action is the deferred work. trigger is the input that fired most
// recently, or line.None.
type Action func(ctx context.Context, trigger line.ID) error

// Scheduler admits the deferred task. EnqueueIfIdle must not block.
type Scheduler interface {
	EnqueueIfIdle(t *work.Task) bool
}

// Hooks observe the fast path. They run inside it, so they must not block.
type Hooks struct {
	OnTrigger func(input line.ID)
	OnOutput  func(output line.ID, level gpio.Level)
	OnError   func(output line.ID, err error)
}

// target is every rule one input has for one output, in declaration order.
type target struct {
	output line.ID
	rows   []Rule
}

// Coordinator is the fast-path notification handler.
type Coordinator struct {
	reg   *line.Registry
	rules map[line.ID][]target
	task  *work.Task
	sched Scheduler
	hooks Hooks
	log   *slog.Logger

	// routes is written during bring-up and shutdown only.
	mu     sync.RWMutex
	routes map[gpio.ChannelID]line.ID

	last atomic.Int64 // line.ID of the last input that fired
}

// New creates a Coordinator whose single deferred task runs action. Rules
// must name an input as Trigger and an output as Output. When one trigger
// has several rules for the same output, the first whose When matches the
// output's level wins.
func New(reg *line.Registry, rules []Rule, action Action, sched Scheduler, hooks Hooks, log *slog.Logger) (*Coordinator, error) {
	c := &Coordinator{
		reg:    reg,
		rules:  make(map[line.ID][]target),
		sched:  sched,
		hooks:  hooks,
		log:    log,
		routes: make(map[gpio.ChannelID]line.ID),
	}
	c.last.Store(int64(line.None))
	c.task = work.NewTask("deferred", func(ctx context.Context) error {
		id, _ := c.LastTrigger()
		return action(ctx, id)
	})
	for _, r := range rules {
		if r.Trigger < 0 || int(r.Trigger) >= reg.Len() || reg.Line(r.Trigger).Direction != gpio.Input {
			return nil, fmt.Errorf("rule trigger %d is not an input", r.Trigger)
		}
		if r.Output < 0 || int(r.Output) >= reg.Len() || reg.Line(r.Output).Direction != gpio.Output {
			return nil, fmt.Errorf("rule output %d is not an output", r.Output)
		}
		c.add(r)
	}
	return c, nil
}

func (c *Coordinator) add(r Rule) {
	ts := c.rules[r.Trigger]
	for i := range ts {
		if ts[i].output == r.Output {
			ts[i].rows = append(ts[i].rows, r)
			return
		}
	}
	c.rules[r.Trigger] = append(ts, target{output: r.Output, rows: []Rule{r}})
}

// Route records which input ch belongs to.
func (c *Coordinator) Route(ch gpio.ChannelID, input line.ID) {
	c.mu.Lock()
	c.routes[ch] = input
	c.mu.Unlock()
}

// Unroute forgets ch.
func (c *Coordinator) Unroute(ch gpio.ChannelID) {
	c.mu.Lock()
	delete(c.routes, ch)
	c.mu.Unlock()
}

// Routed reports how many channels are routed.
func (c *Coordinator) Routed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// OnNotification is the fast path. It applies the rules for the input
// behind ch, then schedules the deferred task. It never blocks on the
// deferred worker and always reports Handled.
func (c *Coordinator) OnNotification(ch gpio.ChannelID) gpio.Outcome {
	c.mu.RLock()
	input, ok := c.routes[ch]
	c.mu.RUnlock()

	if ok {
		c.last.Store(int64(input))
		if c.hooks.OnTrigger != nil {
			c.hooks.OnTrigger(input)
		}
		for _, t := range c.rules[input] {
			c.apply(t)
		}
	}

	queued := c.sched.EnqueueIfIdle(c.task)
	c.log.Debug("notification", "channel", ch, "queued", queued)
	return gpio.Handled
}

// LastTrigger returns the input that fired most recently.
func (c *Coordinator) LastTrigger() (line.ID, bool) {
	id := line.ID(c.last.Load())
	return id, id != line.None
}

// Task returns the deferred task the fast path schedules.
func (c *Coordinator) Task() *work.Task { return c.task }

// apply reads t.output once and writes at most once.
func (c *Coordinator) apply(t target) {
	lvl, changed, err := c.reg.Update(t.output, func(cur gpio.Level) (gpio.Level, bool) {
		for _, r := range t.rows {
			if cur == r.When {
				return r.Set, cur != r.Set
			}
		}
		return cur, false
	})
	if err != nil {
		if c.hooks.OnError != nil {
			c.hooks.OnError(t.output, err)
		}
		return
	}
	if changed && c.hooks.OnOutput != nil {
		c.hooks.OnOutput(t.output, lvl)
	}
}
