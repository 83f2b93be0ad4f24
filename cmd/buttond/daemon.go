package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/buttond/internal/config"
	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/handler"
	"github.com/sweeney/buttond/internal/line"
	"github.com/sweeney/buttond/internal/metrics"
	"github.com/sweeney/buttond/internal/mqtt"
	"github.com/sweeney/buttond/internal/setup"
	"github.com/sweeney/buttond/internal/status"
	"github.com/sweeney/buttond/internal/web"
	"github.com/sweeney/buttond/internal/work"
)

// chip is what the daemon needs from a GPIO chip.
type chip interface {
	gpio.Owner
	gpio.Notifier
}

// daemon wires the line registry, acquisition manager, coordinator and
// deferred worker together.
type daemon struct {
	log     *slog.Logger
	now     func() time.Time
	reg     *line.Registry
	mgr     *setup.Manager
	queue   *work.Queue
	coord   *handler.Coordinator
	tracker *status.Tracker
	metrics *metrics.Metrics
	pub     mqtt.Publisher

	cancel context.CancelFunc
	hs     *setup.HandleSet
}

func newDaemon(cfg config.Config, opts options, c chip, pub mqtt.Publisher, m *metrics.Metrics, log *slog.Logger, now func() time.Time) (*daemon, error) {
	reg, err := line.NewRegistry(c, cfg.Table())
	if err != nil {
		return nil, fmt.Errorf("line registry: %w", err)
	}
	rules, err := cfg.HandlerRules(reg)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}

	d := &daemon{
		log:     log,
		now:     now,
		reg:     reg,
		mgr:     setup.NewManager(reg, c, log),
		queue:   work.NewQueue(1, log),
		metrics: m,
		pub:     pub,
		tracker: status.NewTracker(now(), status.Config{
			Chip:     cfg.Chip,
			Broker:   opts.Broker,
			HTTPAddr: opts.HTTPAddr,
			HoldMs:   opts.Hold.Milliseconds(),
		}, reg),
	}
	d.queue.OnDone(func(_ *work.Task, took time.Duration, err error) {
		m.ObserveDeferred(took, err)
	})

	// Resolve labelled children up front so the fast path only does atomic adds.
	triggers := make([]prometheus.Counter, reg.Len())
	changes := make([]prometheus.Counter, reg.Len())
	failed := make([]prometheus.Counter, reg.Len())
	for _, id := range reg.Inputs() {
		triggers[id] = m.Triggers.WithLabelValues(reg.Line(id).Name)
	}
	for _, id := range reg.Outputs() {
		name := reg.Line(id).Name
		changes[id] = m.OutputChanges.WithLabelValues(name)
		failed[id] = m.OutputErrors.WithLabelValues(name)
	}
	hooks := handler.Hooks{
		OnTrigger: func(id line.ID) {
			d.tracker.CountTrigger(id)
			triggers[id].Inc()
		},
		OnOutput: func(id line.ID, _ gpio.Level) { changes[id].Inc() },
		OnError:  func(id line.ID, _ error) { failed[id].Inc() },
	}

	action := handler.Deferred(reg, pub, opts.Hold, now, log)
	d.coord, err = handler.New(reg, rules, action, d.queue, hooks, log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	task := d.coord.Task()
	d.tracker.SetTask(task)
	m.WatchCoalesced(task.Coalesced)
	return d, nil
}

// start launches the deferred worker and brings every line up. A failed
// bring-up leaves nothing acquired.
func (d *daemon) start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.queue.Start(wctx)

	hs, err := d.mgr.BringUp(d.coord)
	if err != nil {
		d.queue.Close()
		cancel()
		return fmt.Errorf("bring-up: %w", err)
	}
	d.hs = hs
	d.metrics.LinesAcquired.Set(float64(d.acquired()))
	d.tracker.SetReady(true)
	d.publishSystem("STARTUP", "")
	return nil
}

// stop tears down notifications and lines, then waits for any deferred
// run in flight.
func (d *daemon) stop(reason string) {
	d.mgr.ShutDown(d.hs)
	d.tracker.SetReady(false)
	d.metrics.LinesAcquired.Set(float64(d.acquired()))
	d.queue.Close()
	if d.cancel != nil {
		d.cancel()
	}
	d.publishSystem("SHUTDOWN", reason)
	d.log.Info("stopped", "reason", reason)
}

// serve runs the HTTP server until a signal arrives, ctx ends or the server
// fails, then stops the daemon.
func (d *daemon) serve(ctx context.Context, srv *web.Server, addr string, sig <-chan os.Signal, refresh time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			d.log.Info("http status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	done := make(chan struct{})
	g.Go(func() error {
		t := time.NewTicker(refresh)
		defer t.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-t.C:
				d.refreshMQTT()
			}
		}
	})

	var reason string
	select {
	case s := <-sig:
		d.log.Info("received signal, shutting down", "signal", s)
		reason = signalName(s)
	case <-gctx.Done():
		reason = "CANCELLED"
		if ctx.Err() == nil {
			reason = "ERROR"
		}
	}
	close(done)
	d.stop(reason)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			d.log.Warn("http shutdown", "error", err)
		}
	}
	return g.Wait()
}

// printState writes every line's level to w.
func (d *daemon) printState(w io.Writer) error {
	for i, st := range d.reg.States() {
		v, err := d.reg.Read(line.ID(i))
		if err != nil {
			return fmt.Errorf("read %s: %w", st.Name, err)
		}
		fmt.Fprintf(w, "%s (%s %d): %s\n", st.Name, st.Direction, st.Offset, v)
	}
	return nil
}

func (d *daemon) acquired() int {
	n := 0
	for _, st := range d.reg.States() {
		if st.Acquired {
			n++
		}
	}
	return n
}

func (d *daemon) refreshMQTT() {
	if cs, ok := d.pub.(mqtt.ConnectionStatus); ok {
		d.tracker.SetMQTTConnected(cs.IsConnected())
	}
}

func (d *daemon) publishSystem(event, reason string) {
	d.refreshMQTT()
	snap := d.tracker.Snapshot()
	err := d.pub.PublishSystem(mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		d.log.Warn("failed to publish system event", "event", event, "error", err)
		return
	}
	d.log.Info("published system event", "event", event)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
