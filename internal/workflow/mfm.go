package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/linearize"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/scheduler"
	"github.com/fisaks/flowcal/internal/window"
)

// runMFM blanks the gain table, then walks zero adjust and span adjust.
func (o *Orchestrator) runMFM(ctx context.Context, s *Session) error {
	initial, err := linearize.InitialGain(o.cfg.Version)
	if err != nil {
		return err
	}
	o.op.ShowMessage("Resetting linearization table")
	if err := linearize.WriteTable(ctx, o.ctrl, linearize.Identity(initial)); err != nil {
		return fmt.Errorf("reset table: %w", err)
	}

	if !o.op.ShowModalConfirm(ctx, "Stop the gas flow, then confirm to start zero adjust") {
		if err := ctx.Err(); err != nil {
			return mfc.FromContext(err)
		}
		return fmt.Errorf("%w: operator declined zero adjust", mfc.ErrCanceled)
	}

	o.setState(StateZeroAdjust)
	if err := o.zeroAdjust(ctx, s); err != nil {
		return err
	}

	o.setState(StateSpan)
	return o.spanAdjust(ctx, s)
}

func (o *Orchestrator) zeroAdjust(ctx context.Context, s *Session) error {
	t := time.NewTicker(o.cfg.ZeroPoll())
	defer t.Stop()

	sent := false
	for {
		v, err := o.ctrl.OutputValue(ctx)
		if err != nil {
			return fmt.Errorf("zero adjust: %w", err)
		}
		o.op.ShowMessage(fmt.Sprintf("Zero adjust: output %.2f %%", v))

		select {
		case <-ctx.Done():
			return mfc.FromContext(ctx.Err())
		case sig := <-s.signals:
			switch sig {
			case OpZeroSend:
				if err := o.ctrl.ZeroSet(ctx); err != nil {
					return fmt.Errorf("zero set: %w", err)
				}
				sent = true
				o.log.Info("zero set sent", "session", s.ID, "output", v)
				o.event("zero_sent", map[string]any{"session": s.ID, "output": v})
			case OpZeroOK:
				if !sent {
					o.op.ShowMessage("Send zero before confirming it")
					continue
				}
				return nil
			}
		case <-t.C:
		}
	}
}

func (o *Orchestrator) spanAdjust(ctx context.Context, s *Session) error {
	if err := o.ctrl.SetFlow(ctx, 100); err != nil {
		return fmt.Errorf("span: full scale: %w", err)
	}

	win := window.New(window.LagLong)
	sched := scheduler.New(o.cfg.Interval(), o.cfg.Granularity(), o.sampleInto(win, nil))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	var measured float64
wait:
	for {
		select {
		case <-ctx.Done():
			return mfc.FromContext(ctx.Err())
		case <-sched.Ticks():
			if err := sched.Err(); err != nil {
				return fmt.Errorf("span sampling: %w", err)
			}
			v, err := o.ctrl.OutputValue(ctx)
			if err != nil {
				return fmt.Errorf("span: %w", err)
			}
			if rate, ok := win.Rate(); ok {
				o.op.ShowMessage(fmt.Sprintf("Span: flow %.1f mg/min, output %.2f %%", rate, v))
			}
		case sig := <-s.signals:
			if sig != OpSpanOK {
				continue
			}
			rate, ok := win.Rate()
			if !ok {
				o.op.ShowMessage("No flow measured yet, wait for a reading")
				continue
			}
			measured = rate
			break wait
		}
	}
	sched.Stop()
	old, err := o.ctrl.ReadWord(ctx, eeprom.SpanGain)
	if err != nil {
		return fmt.Errorf("span: read gain: %w", err)
	}
	gain, err := linearize.SpanGain(old, o.cfg.FullScaleFlow, measured)
	if err != nil {
		return fmt.Errorf("span: %w", err)
	}
	if err := o.ctrl.WriteWord(ctx, eeprom.SpanGain, gain); err != nil {
		return fmt.Errorf("span: write gain: %w", err)
	}
	back, err := o.ctrl.ReadWord(ctx, eeprom.SpanGain)
	if err != nil {
		return fmt.Errorf("span: verify gain: %w", err)
	}
	if back != gain {
		return fmt.Errorf("%w: span gain wrote %04X, read %04X", mfc.ErrVerifyMismatch, gain, back)
	}

	o.log.Info("span gain updated", "session", s.ID, "old", old, "new", gain, "measured", measured)
	o.update(func(s *Session) { s.spanGain = gain })
	return nil
}

// sampleInto returns a scheduler callback that adds one balance reading to
// win and hands every available rate to sink.
func (o *Orchestrator) sampleInto(win *window.Window, sink func(rate float64)) scheduler.Callback {
	return func(ctx context.Context, _ int, _ time.Time) error {
		w, err := o.bal.RequestWeight(ctx, o.cfg.BalanceTimeout())
		if err != nil {
			return err
		}
		if err := win.Add(window.Reading{At: time.Now(), Milligrams: w.Milligrams}); err != nil {
			return err
		}
		if sink != nil {
			if rate, ok := win.Rate(); ok {
				sink(rate)
			}
		}
		return nil
	}
}
