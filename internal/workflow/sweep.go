package workflow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fisaks/flowcal/internal/breakpoint"
	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/linearize"
	"github.com/fisaks/flowcal/internal/metrics"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/scheduler"
	"github.com/fisaks/flowcal/internal/window"
	"golang.org/x/sync/errgroup"
)

// runSweep measures every set point, then derives and writes the table
// (calculate), records deviations (confirm) or stops there (measure).
func (o *Orchestrator) runSweep(ctx context.Context, s *Session) error {
	rows, err := o.measureAll(ctx)
	if err != nil {
		return err
	}

	switch s.Kind {
	case OpCalculate:
		table, err := o.deriveTable(rows)
		if err != nil {
			return err
		}
		o.op.ShowMessage("Writing linearization table")
		if err := linearize.WriteTable(ctx, o.ctrl, table); err != nil {
			return fmt.Errorf("write table: %w", err)
		}
		o.update(func(s *Session) {
			s.gains = table.Gains[:]
			s.breakpoints = table.Breakpoints
		})
	case OpConfirm:
		for i := range rows {
			rows[i].Confirm = rows[i].CorrectedData - rows[i].SetPoint
		}
	}

	o.update(func(s *Session) { s.rows = rows })
	o.event("result", map[string]any{"session": s.ID, "kind": string(s.Kind), "rows": rows})
	return nil
}

func (o *Orchestrator) measureAll(ctx context.Context) ([]mfc.Row, error) {
	rows := make([]mfc.Row, 0, len(o.cfg.SetPoints))
	for i, sp := range o.cfg.SetPoints {
		if err := ctx.Err(); err != nil {
			return nil, mfc.FromContext(err)
		}
		o.op.ShowMessage(fmt.Sprintf("Set point %d/%d: %.1f %%", i+1, len(o.cfg.SetPoints), sp))
		row, err := o.measurePoint(ctx, i, sp)
		if err != nil {
			return nil, fmt.Errorf("set point %d (%.1f %%): %w", i+1, sp, err)
		}
		rows = append(rows, row)
		o.update(func(s *Session) { s.rows = append(s.rows, row) })
	}

	var readings [linearize.Points]float64
	for i := range readings {
		readings[i] = rows[i].Reading
	}
	corrected, err := linearize.Correct(readings)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].CorrectedData = corrected[i]
	}
	return rows, nil
}

func (o *Orchestrator) measurePoint(ctx context.Context, i int, sp float64) (mfc.Row, error) {
	started := time.Now()
	defer func() { metrics.SetPointDuration.Observe(time.Since(started).Seconds()) }()

	if over := math.Min(sp+o.cfg.OvershootPercent, 100); over > sp && o.cfg.Overshoot() > 0 {
		if err := o.ctrl.SetFlow(ctx, over); err != nil {
			return mfc.Row{}, fmt.Errorf("overshoot: %w", err)
		}
		if err := sleep(ctx, o.cfg.Overshoot()); err != nil {
			return mfc.Row{}, err
		}
	}
	if err := o.ctrl.SetFlow(ctx, sp); err != nil {
		return mfc.Row{}, err
	}
	if err := sleep(ctx, o.cfg.Settle()); err != nil {
		return mfc.Row{}, err
	}

	var (
		reading, vout float64
		vo, initial   uint16
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reading, err = o.sampleRate(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		vout, err = o.ctrl.OutputValue(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		vo, err = o.ctrl.ReadWord(gctx, eeprom.VOCalibration)
		return err
	})
	g.Go(func() error {
		var err error
		initial, err = o.ctrl.ReadWord(gctx, eeprom.LinearGain[i])
		return err
	})
	if err := g.Wait(); err != nil {
		return mfc.Row{}, err
	}
	return mfc.Row{SetPoint: sp, Reading: reading, VOUT: vout, VO: vo, InitialVO: initial}, nil
}

// sampleRate samples the balance each interval until enough rates exist and
// returns their trimmed mean.
func (o *Orchestrator) sampleRate(ctx context.Context) (float64, error) {
	var mu sync.Mutex
	var rates []float64
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(rates)
	}

	win := window.New(window.LagShort)
	sched := scheduler.New(o.cfg.Interval(), o.cfg.Granularity(), o.sampleInto(win, func(r float64) {
		mu.Lock()
		rates = append(rates, r)
		mu.Unlock()
	}))
	if err := sched.Start(ctx); err != nil {
		return 0, err
	}
	defer sched.Stop()

	for count() < o.cfg.Attempts {
		select {
		case <-ctx.Done():
			return 0, mfc.FromContext(ctx.Err())
		case <-sched.Ticks():
			if err := sched.Err(); err != nil {
				return 0, fmt.Errorf("sampling: %w", err)
			}
		}
	}
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	return linearize.TrimmedMean(rates[:o.cfg.Attempts])
}

func (o *Orchestrator) deriveTable(rows []mfc.Row) (linearize.Table, error) {
	initial, err := linearize.InitialGain(o.cfg.Version)
	if err != nil {
		return linearize.Table{}, err
	}
	var corrected, setPoints [linearize.Points]float64
	for i, r := range rows {
		corrected[i] = r.CorrectedData
		setPoints[i] = r.SetPoint
	}

	if linearize.Mode(o.cfg.BreakpointMode) == linearize.ModeVariable {
		bp, err := breakpoint.Solve(corrected)
		if err != nil {
			return linearize.Table{}, err
		}
		var pct [linearize.Points]float64
		for i := range pct {
			pct[i] = bp.Percent(i)
		}
		gains, err := linearize.VariableGains(initial, corrected, pct)
		if err != nil {
			return linearize.Table{}, err
		}
		return linearize.Table{Gains: gains, Breakpoints: bp.Words[:]}, nil
	}

	gains, err := linearize.FixedGains(initial, corrected, setPoints)
	if err != nil {
		return linearize.Table{}, err
	}
	return linearize.Table{Gains: gains}, nil
}
