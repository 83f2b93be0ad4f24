package internal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/buttond/internal/config"
	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/handler"
	"github.com/sweeney/buttond/internal/line"
	"github.com/sweeney/buttond/internal/logging"
	"github.com/sweeney/buttond/internal/mqtt"
	"github.com/sweeney/buttond/internal/setup"
	"github.com/sweeney/buttond/internal/work"
)

type system struct {
	chip  *gpio.FakeChip
	reg   *line.Registry
	mgr   *setup.Manager
	queue *work.Queue
	coord *handler.Coordinator
	pub   *mqtt.FakePublisher
}

func newSystem(t *testing.T, action handler.Action) *system {
	t.Helper()
	cfg := config.Default()
	s := &system{chip: gpio.NewFakeChip(), pub: mqtt.NewFakePublisher()}

	reg, err := line.NewRegistry(s.chip, cfg.Table())
	require.NoError(t, err)
	rules, err := cfg.HandlerRules(reg)
	require.NoError(t, err)

	if action == nil {
		action = handler.Deferred(reg, s.pub, 0, time.Now, logging.NewNop())
	}
	s.reg = reg
	s.queue = work.NewQueue(1, logging.NewNop())
	s.coord, err = handler.New(reg, rules, action, s.queue, handler.Hooks{}, logging.NewNop())
	require.NoError(t, err)
	s.mgr = setup.NewManager(reg, s.chip, logging.NewNop())
	return s
}

func (s *system) waitRuns(t *testing.T, n uint64) {
	t.Helper()
	task := s.coord.Task()
	require.Eventually(t, func() bool {
		return task.State() == work.Idle && task.Runs() == n
	}, time.Second, time.Millisecond)
}

func (s *system) output(t *testing.T) gpio.Level {
	t.Helper()
	v, err := s.reg.Read(0)
	require.NoError(t, err)
	return v
}

// One LED (initial low) and two buttons: on, then off, then shut down.
func TestIntegrationEndToEnd(t *testing.T) {
	s := newSystem(t, nil)
	s.queue.Start(context.Background())

	hs, err := s.mgr.BringUp(s.coord)
	require.NoError(t, err)
	require.Len(t, hs.Channels(), 2)
	assert.Equal(t, gpio.Low, s.output(t))

	require.True(t, s.chip.Trigger(s.chip.Channel(17)))
	assert.Equal(t, gpio.High, s.output(t))
	assert.Equal(t, gpio.High, s.chip.Level(4))
	s.waitRuns(t, 1)

	require.True(t, s.chip.Trigger(s.chip.Channel(18)))
	assert.Equal(t, gpio.Low, s.output(t))
	s.waitRuns(t, 2)

	s.mgr.ShutDown(hs)
	s.queue.Close()

	assert.Zero(t, s.coord.Routed())
	for _, st := range s.reg.States() {
		assert.False(t, st.Acquired, st.Name)
	}
	for _, off := range []int{4, 17, 18} {
		assert.False(t, s.chip.Claimed(off))
	}
	assert.Equal(t, []string{
		"claim LED 1", "claim LED 1 ON BUTTON", "claim LED 1 OFF BUTTON",
		"resolve LED 1 ON BUTTON", "register fake:17",
		"resolve LED 1 OFF BUTTON", "register fake:18",
		"deregister fake:18", "deregister fake:17",
		"release LED 1 OFF BUTTON", "release LED 1 ON BUTTON", "release LED 1",
	}, s.chip.CallLog())

	require.Equal(t, 2, s.pub.EventCount())
	payload, err := mqtt.FormatPayload(s.pub.Events[0])
	require.NoError(t, err)
	var p mqtt.Payload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, "LED 1 ON BUTTON", p.Button.Trigger)
	assert.Equal(t, []mqtt.OutputState{{Name: "LED 1", Level: "HIGH"}}, p.Button.Outputs)
}

func TestIntegrationNoDeliveryAfterShutdown(t *testing.T) {
	var calls atomic.Int32
	s := newSystem(t, func(context.Context, line.ID) error {
		calls.Add(1)
		return nil
	})
	s.queue.Start(context.Background())

	hs, err := s.mgr.BringUp(s.coord)
	require.NoError(t, err)
	s.mgr.ShutDown(hs)
	s.queue.Close()

	assert.False(t, s.chip.Trigger(s.chip.Channel(17)))
	assert.False(t, s.chip.Trigger(s.chip.Channel(18)))
	assert.Zero(t, calls.Load())
	assert.Zero(t, s.coord.Task().Runs())
}

func TestIntegrationBringUpFailureUnwinds(t *testing.T) {
	tests := []struct {
		name   string
		inject func(c *gpio.FakeChip)
		is     error
		claims []int
	}{
		{"output", func(c *gpio.FakeChip) { c.ClaimErrors[4] = errors.New("busy") }, setup.ErrOutputAcquireFailed, nil},
		{"first input", func(c *gpio.FakeChip) { c.ClaimErrors[17] = errors.New("busy") }, setup.ErrInputAcquireFailed, []int{4}},
		{"second input", func(c *gpio.FakeChip) { c.ClaimErrors[18] = errors.New("busy") }, setup.ErrInputAcquireFailed, []int{4, 17}},
		{"resolve", func(c *gpio.FakeChip) { c.ResolveErrors[18] = errors.New("no irq") }, setup.ErrNotificationBindFailed, []int{4, 17, 18}},
		{"register", func(c *gpio.FakeChip) { c.RegisterErrors[17] = errors.New("no irq") }, setup.ErrNotificationBindFailed, []int{4, 17, 18}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSystem(t, nil)
			tt.inject(s.chip)

			hs, err := s.mgr.BringUp(s.coord)
			require.Error(t, err)
			assert.Nil(t, hs)
			assert.ErrorIs(t, err, tt.is)
			assert.Zero(t, s.coord.Routed())

			for _, st := range s.reg.States() {
				assert.False(t, st.Acquired, st.Name)
			}
			for _, off := range []int{4, 17, 18} {
				assert.False(t, s.chip.Claimed(off))
			}
			// Something that was never claimed is never released.
			var released []string
			for _, c := range s.chip.CallLog() {
				if strings.HasPrefix(c, "release ") {
					released = append(released, c)
				}
			}
			assert.Len(t, released, len(tt.claims))
		})
	}
}

func TestIntegrationConcurrentButtons(t *testing.T) {
	s := newSystem(t, nil)
	s.queue.Start(context.Background())
	hs, err := s.mgr.BringUp(s.coord)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.chip.Trigger(s.chip.Channel(17)) }()
		go func() { defer wg.Done(); s.chip.Trigger(s.chip.Channel(18)) }()
	}
	wg.Wait()

	s.mgr.ShutDown(hs)
	s.queue.Close()

	task := s.coord.Task()
	assert.Equal(t, work.Idle, task.State())
	assert.EqualValues(t, 100, task.Runs()+task.Coalesced())
	assert.EqualValues(t, task.Runs(), s.pub.EventCount())
}
