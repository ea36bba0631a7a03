// Package workflow sequences zero adjust, span adjust and the set-point
// sweeps of a calibration session.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fisaks/flowcal/internal/balance"
	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/metrics"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/google/uuid"
)

var (
	ErrNotAllowed   = errors.New("operation not allowed in current state")
	ErrNotConnected = fmt.Errorf("%w: controller and balance must both be connected", mfc.ErrConnection)
)

// Controller is the part of controller.Controller the workflow drives.
type Controller interface {
	SetFlow(ctx context.Context, percent float64) error
	OutputValue(ctx context.Context) (float64, error)
	ZeroSet(ctx context.Context) error
	ReturnToIdle(ctx context.Context) error
	ReadWord(ctx context.Context, wa eeprom.WordAddress) (uint16, error)
	WriteWord(ctx context.Context, wa eeprom.WordAddress, w uint16) error
}

type Balance interface {
	RequestWeight(ctx context.Context, timeout time.Duration) (balance.Weight, error)
}

type Session struct {
	ID        string
	Kind      Op
	StartedAt time.Time

	cancel    context.CancelFunc
	signals   chan Op
	onSuccess State
	onFailure State

	status      string
	err         error
	rows        []mfc.Row
	gains       []uint16
	breakpoints []uint16
	spanGain    uint16
}

type Orchestrator struct {
	cfg    config.CalibrationConfig
	ctrl   Controller
	bal    Balance
	op     mfc.Operator
	status mfc.ConnectionStatus
	pub    mfc.SessionPublisher
	log    *slog.Logger

	mu      sync.Mutex
	state   State
	session *Session
	last    mfc.SessionSnapshot
	wg      sync.WaitGroup
}

// New wires an orchestrator. pub may be nil.
func New(cfg config.CalibrationConfig, ctrl Controller, bal Balance, op mfc.Operator, status mfc.ConnectionStatus, pub mfc.SessionPublisher) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		ctrl:   ctrl,
		bal:    bal,
		op:     op,
		status: status,
		pub:    pub,
		log:    logging.With("component", "workflow"),
		state:  StateInitial,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Enabled lists the operations allowed right now.
func (o *Orchestrator) Enabled() []Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(Capabilities[o.state])
}

// Snapshot describes the running session, or the last finished one.
func (o *Orchestrator) Snapshot() mfc.SessionSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		return o.snapshotLocked()
	}
	return o.last
}

// Wait blocks until the running session, if any, has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Do routes one operator action.
func (o *Orchestrator) Do(op Op) error {
	switch op {
	case OpMFM:
		return o.start(op, StateMFMStarted, o.runMFM)
	case OpMeasure, OpCalculate, OpConfirm:
		return o.start(op, sweepState(op), o.runSweep)
	case OpCancel:
		return o.Cancel()
	case OpZeroSend, OpZeroOK, OpSpanOK:
		return o.Signal(op)
	}
	return fmt.Errorf("unknown operation %q", op)
}

// OnOperatorCommand handles remote operator commands. Remote clients can
// steer a running session but never start one.
func (o *Orchestrator) OnOperatorCommand(_ context.Context, cmd mfc.IncomingOperatorCommand) error {
	op, err := ParseOp(cmd.Action)
	if err != nil {
		return err
	}
	if !AcceptsRemote(op) {
		return fmt.Errorf("%w: %s is not accepted remotely", ErrNotAllowed, op)
	}
	o.log.Info("remote operator command", "id", cmd.ID, "action", op)
	return o.Do(op)
}

func (o *Orchestrator) Signal(op Op) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !Allowed(o.state, op) || o.session == nil {
		return fmt.Errorf("%w: %s in %s", ErrNotAllowed, op, o.state)
	}
	select {
	case o.session.signals <- op:
		return nil
	default:
		return fmt.Errorf("%w: %s already pending", ErrNotAllowed, op)
	}
}

// Cancel aborts the running session; cleanup happens on its goroutine.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return fmt.Errorf("%w: nothing to cancel", ErrNotAllowed)
	}
	o.log.Info("session cancel requested", "session", o.session.ID)
	o.session.cancel()
	return nil
}

type runFunc func(ctx context.Context, s *Session) error

func (o *Orchestrator) start(kind Op, first State, run runFunc) error {
	o.mu.Lock()
	if !Allowed(o.state, kind) || o.session != nil {
		defer o.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrNotAllowed, kind, o.state)
	}
	if !o.status.IsControllerConnected() || !o.status.IsBalanceConnected() {
		o.mu.Unlock()
		return ErrNotConnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now(),
		cancel:    cancel,
		signals:   make(chan Op, 4),
		onSuccess: o.state,
		onFailure: o.state,
		status:    "running",
	}
	if kind == OpMFM {
		s.onSuccess, s.onFailure = StateAfterMFM, StateInitial
	}
	o.session = s
	o.state = first
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.log.Info("session started", "session", s.ID, "kind", kind)
	o.publish(snap)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		err := run(ctx, s)
		o.finish(s, err)
	}()
	return nil
}

func (o *Orchestrator) finish(s *Session, err error) {
	cctx, cancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout())
	defer cancel()
	if ierr := o.ctrl.ReturnToIdle(cctx); ierr != nil {
		o.log.Warn("return to idle failed", "session", s.ID, "error", ierr)
	}
	o.op.CloseMessage()

	status, next := "ok", s.onSuccess
	switch {
	case err == nil:
	case mfc.IsCanceled(err):
		status, next = "canceled", s.onFailure
	default:
		status, next = "failed", s.onFailure
		o.op.ShowMessage(fmt.Sprintf("%s failed: %v", s.Kind, err))
	}

	o.mu.Lock()
	s.status, s.err = status, err
	o.state = next
	snap := o.snapshotLocked()
	o.last = snap
	o.session = nil
	o.mu.Unlock()

	metrics.Runs.WithLabelValues(string(s.Kind), status).Inc()
	if err != nil && status == "failed" {
		o.log.Error("session failed", "session", s.ID, "kind", s.Kind, "kind_of", mfc.KindOf(err).String(), "error", err)
	} else {
		o.log.Info("session finished", "session", s.ID, "kind", s.Kind, "status", status, "took", time.Since(s.StartedAt))
	}
	o.publish(snap)
}

func (o *Orchestrator) setState(st State) {
	o.mu.Lock()
	o.state = st
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.log.Debug("state", "state", st)
	o.publish(snap)
}

// update mutates session fields under the lock and publishes the result.
func (o *Orchestrator) update(fn func(s *Session)) {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return
	}
	fn(o.session)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.publish(snap)
}

func (o *Orchestrator) snapshotLocked() mfc.SessionSnapshot {
	s := o.session
	snap := mfc.SessionSnapshot{
		ID:        s.ID,
		Kind:      string(s.Kind),
		State:     o.state.String(),
		Status:    s.status,
		StartedAt: s.StartedAt,
		UpdatedAt: time.Now(),
		Rows:      slices.Clone(s.rows),
		Gains:     slices.Clone(s.gains),
		Breakpts:  slices.Clone(s.breakpoints),
		SpanGain:  s.spanGain,
	}
	if s.err != nil && s.status == "failed" {
		snap.Error = s.err.Error()
	}
	return snap
}

func (o *Orchestrator) publish(snap mfc.SessionSnapshot) {
	if o.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.pub.PublishSession(ctx, snap); err != nil {
		o.log.Warn("publish session failed", "session", snap.ID, "error", err)
	}
}

func (o *Orchestrator) event(typ string, detail map[string]any) {
	if o.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.pub.PublishEvent(ctx, typ, detail); err != nil {
		o.log.Warn("publish event failed", "type", typ, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return mfc.FromContext(ctx.Err())
	}
}
