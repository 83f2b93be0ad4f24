package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/buttond/internal/line"
	"github.com/sweeney/buttond/internal/mqtt"
)

// Deferred returns the default deferred action: publish the current output
// levels and the input that fired, then hold for hold. It only reads line
// state.
func Deferred(reg *line.Registry, pub mqtt.Publisher, hold time.Duration, now func() time.Time, log *slog.Logger) Action {
	return func(ctx context.Context, trigger line.ID) error {
		runID := uuid.NewString()
		log.Info("deferred work starts", "run", runID)

		ev := mqtt.ButtonEvent{Timestamp: now(), RunID: runID}
		if trigger != line.None {
			ev.Trigger = reg.Line(trigger).Name
		}
		for _, id := range reg.Outputs() {
			lvl, err := reg.Read(id)
			if err != nil {
				continue
			}
			ev.Outputs = append(ev.Outputs, mqtt.OutputLevel{Name: reg.Line(id).Name, Level: lvl.String()})
		}
		if err := pub.Publish(ev); err != nil {
			return fmt.Errorf("publish button event: %w", err)
		}

		if hold > 0 {
			t := time.NewTimer(hold)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}

		log.Info("deferred work ends", "run", runID)
		return nil
	}
}
