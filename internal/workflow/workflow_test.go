package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/flowcal/internal/balance"
	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/controller"
	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/link"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperator struct {
	mu       sync.Mutex
	confirm  bool
	messages []string
	closed   int
}

func (f *fakeOperator) ShowMessage(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
}

func (f *fakeOperator) ShowModalConfirm(ctx context.Context, text string) bool {
	f.ShowMessage(text)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirm
}

func (f *fakeOperator) CloseMessage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeOperator) saw(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type linkStatus struct{ ctrl, bal *link.Link }

func (s linkStatus) IsControllerConnected() bool { return s.ctrl.IsOpen() }
func (s linkStatus) IsBalanceConnected() bool    { return s.bal.IsOpen() }

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []mfc.SessionSnapshot
	events    []string
}

func (p *recordingPublisher) PublishSession(_ context.Context, s mfc.SessionSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, s)
	return nil
}

func (p *recordingPublisher) PublishEvent(_ context.Context, typ string, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, typ)
	return nil
}

func (p *recordingPublisher) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range p.snapshots {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

type station struct {
	orch *Orchestrator
	rig  *sim.Rig
	op   *fakeOperator
	pub  *recordingPublisher
	cfg  config.CalibrationConfig
}

func testCalibration() config.CalibrationConfig {
	return config.CalibrationConfig{
		IntervalSeconds:  0.04,
		Attempts:         3,
		Version:          "v1",
		BreakpointMode:   "fixed",
		SetPoints:        config.DefaultSetPoints(),
		FullScaleFlow:    540000,
		OvershootPercent: 5,
		OvershootMs:      5,
		SettleMs:         5,
		ZeroPollMs:       10,
		GranularityMs:    2,
		BalanceTimeoutMs: 500,
		CleanupTimeoutMs: 500,
	}
}

func newStation(t *testing.T, mutate func(*config.CalibrationConfig)) *station {
	t.Helper()
	rig := sim.NewRig(600000, 0.1)
	lc := config.LinkConfig{Port: "sim", TimeoutMs: 300, PollMs: 10, Delimiter: "\r\n"}

	ctrlLink := link.New("controller", lc, func(config.LinkConfig) (link.Port, error) { return rig.ControllerPort(), nil })
	balLink := link.New("balance", lc, func(config.LinkConfig) (link.Port, error) { return rig.BalancePort(), nil })
	t.Cleanup(ctrlLink.Disconnect)
	t.Cleanup(balLink.Disconnect)

	ctrl := controller.New(ctrlLink, lc.Timeout())
	bal := balance.New(balLink, lc.Delimiter, lc.Timeout())
	ctx := context.Background()
	require.NoError(t, ctrlLink.Connect(ctx, ctrl.Verify))
	require.NoError(t, balLink.Connect(ctx, bal.Verify))

	cfg := testCalibration()
	if mutate != nil {
		mutate(&cfg)
	}
	op := &fakeOperator{confirm: true}
	pub := &recordingPublisher{}
	orch := New(cfg, ctrl, bal, op, linkStatus{ctrl: ctrlLink, bal: balLink}, pub)
	t.Cleanup(func() {
		_ = orch.Cancel()
		orch.Wait()
	})
	return &station{orch: orch, rig: rig, op: op, pub: pub, cfg: cfg}
}

func (s *station) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.orch.State() == want }, 5*time.Second, 5*time.Millisecond, "state %s", want)
}

func TestCapabilities(t *testing.T) {
	assert.True(t, Allowed(StateInitial, OpMFM))
	assert.True(t, Allowed(StateAfterMFM, OpCalculate))
	assert.False(t, Allowed(StateInitial, OpSpanOK))
	assert.False(t, Allowed(StateSpan, OpZeroSend))
	assert.True(t, Allowed(StateZeroAdjust, OpZeroSend))
	for _, st := range []State{StateMFMStarted, StateZeroAdjust, StateSpan, StateMeasurement, StateCalculate, StateConfirm} {
		assert.True(t, Allowed(st, OpCancel), st.String())
		assert.False(t, Allowed(st, OpMFM), st.String())
	}

	assert.True(t, AcceptsRemote(OpSpanOK))
	assert.False(t, AcceptsRemote(OpCalculate))

	_, err := ParseOp("explode")
	require.Error(t, err)
	op, err := ParseOp("span-ok")
	require.NoError(t, err)
	assert.Equal(t, OpSpanOK, op)
}

func TestMFMZeroAndSpan(t *testing.T) {
	s := newStation(t, nil)
	s.rig.SetWord(eeprom.LinearGain[0], 0x1111)

	require.NoError(t, s.orch.Do(OpMFM))
	s.waitState(t, StateZeroAdjust)
	assert.Equal(t, uint16(0x2000), s.rig.Word(eeprom.LinearGain[0]), "table reset to identity")

	require.NoError(t, s.orch.Signal(OpZeroOK))
	require.Eventually(t, func() bool { return s.op.saw("Send zero before") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateZeroAdjust, s.orch.State())

	require.NoError(t, s.orch.Signal(OpZeroSend))
	require.Eventually(t, func() bool { return s.rig.ZeroSets() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.orch.Signal(OpZeroOK))

	s.waitState(t, StateSpan)
	assert.ErrorIs(t, s.orch.Signal(OpZeroSend), ErrNotAllowed)
	require.Eventually(t, func() bool { return s.op.saw("Span: flow") }, 5*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 100.0, s.rig.SetPoint(), 1e-9)

	require.NoError(t, s.orch.Signal(OpSpanOK))
	s.waitState(t, StateAfterMFM)
	s.orch.Wait()

	snap := s.orch.Snapshot()
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, "mfm", snap.Kind)
	// 0x4000 * 540000 / 600000
	assert.InDelta(t, 14746, int(s.rig.Word(eeprom.SpanGain)), 800)
	assert.Equal(t, s.rig.Word(eeprom.SpanGain), snap.SpanGain)
	assert.GreaterOrEqual(t, s.rig.IdleCount(), 1)
	assert.Equal(t, 0.0, s.rig.SetPoint())

	assert.Equal(t, []string{"mfm_started", "zero_adjust", "span", "after_mfm"}, s.pub.states())
	assert.Contains(t, s.orch.Enabled(), OpCalculate)
}

func TestEarlySpanOKKeepsWaiting(t *testing.T) {
	s := newStation(t, func(c *config.CalibrationConfig) { c.IntervalSeconds = 0.2 })

	require.NoError(t, s.orch.Do(OpMFM))
	s.waitState(t, StateZeroAdjust)
	require.NoError(t, s.orch.Signal(OpZeroSend))
	require.Eventually(t, func() bool { return s.rig.ZeroSets() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.orch.Signal(OpZeroOK))

	s.waitState(t, StateSpan)
	require.NoError(t, s.orch.Signal(OpSpanOK))
	require.Eventually(t, func() bool { return s.op.saw("No flow measured yet") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSpan, s.orch.State())
	assert.Equal(t, "running", s.orch.Snapshot().Status)

	require.Eventually(t, func() bool { return s.op.saw("Span: flow") }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.orch.Signal(OpSpanOK))
	s.waitState(t, StateAfterMFM)
	s.orch.Wait()

	snap := s.orch.Snapshot()
	assert.Equal(t, "ok", snap.Status, snap.Error)
	assert.NotZero(t, snap.SpanGain)
}

func TestRemoteCommandsOnlySteerSessions(t *testing.T) {
	s := newStation(t, nil)
	ctx := context.Background()

	err := s.orch.OnOperatorCommand(ctx, mfc.IncomingOperatorCommand{Action: "calculate"})
	assert.ErrorIs(t, err, ErrNotAllowed)
	err = s.orch.OnOperatorCommand(ctx, mfc.IncomingOperatorCommand{Action: "mfm"})
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, StateInitial, s.orch.State())
	assert.Empty(t, s.orch.Snapshot().ID)

	require.NoError(t, s.orch.Do(OpMFM))
	s.waitState(t, StateZeroAdjust)
	require.NoError(t, s.orch.OnOperatorCommand(ctx, mfc.IncomingOperatorCommand{ID: "r1", Action: "cancel"}))
	s.orch.Wait()
	assert.Equal(t, "canceled", s.orch.Snapshot().Status)
}

func TestMFMDeclinedIsCanceled(t *testing.T) {
	s := newStation(t, nil)
	s.op.confirm = false

	require.NoError(t, s.orch.Do(OpMFM))
	s.orch.Wait()

	assert.Equal(t, StateInitial, s.orch.State())
	snap := s.orch.Snapshot()
	assert.Equal(t, "canceled", snap.Status)
	assert.Empty(t, snap.Error)
	assert.False(t, s.op.saw("failed"))
	assert.GreaterOrEqual(t, s.rig.IdleCount(), 1)
}

func TestCalculateFixed(t *testing.T) {
	s := newStation(t, nil)

	require.NoError(t, s.orch.Do(OpCalculate))
	assert.Equal(t, StateCalculate, s.orch.State())
	assert.ErrorIs(t, s.orch.Do(OpConfirm), ErrNotAllowed)
	s.orch.Wait()

	snap := s.orch.Snapshot()
	require.Equal(t, "ok", snap.Status, snap.Error)
	assert.Equal(t, StateInitial, s.orch.State())
	require.Len(t, snap.Rows, 10)
	require.Len(t, snap.Gains, 10)
	assert.Empty(t, snap.Breakpts)

	sum := 0
	for i, g := range snap.Gains {
		sum += int(g)
		assert.Equal(t, g, s.rig.Word(eeprom.LinearGain[i]))
	}
	assert.Equal(t, 10*0x2000, sum)

	for i, r := range snap.Rows {
		assert.Equal(t, float64((i+1)*10), r.SetPoint)
		assert.Greater(t, r.Reading, 0.0)
		assert.InDelta(t, r.SetPoint, r.VOUT, 1e-9)
		assert.Equal(t, uint16(0x1234), r.VO)
		assert.Equal(t, uint16(0x2000), r.InitialVO)
		if i > 0 {
			assert.Greater(t, r.Reading, snap.Rows[i-1].Reading)
		}
	}
	assert.InDelta(t, 100.0, snap.Rows[9].CorrectedData, 1e-9)
	assert.Equal(t, 0.0, s.rig.SetPoint())
	assert.Contains(t, s.pub.events, "result")
}

func TestCalculateVariable(t *testing.T) {
	s := newStation(t, func(c *config.CalibrationConfig) { c.BreakpointMode = "variable" })
	last := eeprom.Breakpoint[eeprom.BreakpointCount-1]
	s.rig.SetWord(last, 0xABCD)

	require.NoError(t, s.orch.Do(OpCalculate))
	s.orch.Wait()

	snap := s.orch.Snapshot()
	require.Equal(t, "ok", snap.Status, snap.Error)
	require.Len(t, snap.Breakpts, 10)
	for i := 0; i < eeprom.WrittenBreakpoints; i++ {
		assert.Equal(t, snap.Breakpts[i], s.rig.Word(eeprom.Breakpoint[i]))
		if i > 0 {
			assert.Greater(t, snap.Breakpts[i], snap.Breakpts[i-1])
		}
	}
	assert.Equal(t, uint16(0xABCD), s.rig.Word(last))
}

func TestConfirmWritesNothing(t *testing.T) {
	s := newStation(t, nil)
	s.rig.SetWord(eeprom.LinearGain[4], 0x2345)

	require.NoError(t, s.orch.Do(OpConfirm))
	s.orch.Wait()

	snap := s.orch.Snapshot()
	require.Equal(t, "ok", snap.Status, snap.Error)
	assert.Empty(t, snap.Gains)
	assert.Equal(t, uint16(0x2345), s.rig.Word(eeprom.LinearGain[4]))
	assert.Equal(t, uint16(0x2345), snap.Rows[4].InitialVO)
	for _, r := range snap.Rows {
		assert.InDelta(t, r.CorrectedData-r.SetPoint, r.Confirm, 1e-9)
	}
}

func TestCancelDuringSweep(t *testing.T) {
	s := newStation(t, nil)

	require.NoError(t, s.orch.Do(OpMeasure))
	require.Eventually(t, func() bool { return s.op.saw("Set point 2/10") }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.orch.Cancel())
	s.orch.Wait()

	snap := s.orch.Snapshot()
	assert.Equal(t, "canceled", snap.Status)
	assert.Equal(t, StateInitial, s.orch.State())
	assert.False(t, s.op.saw("failed"))
	assert.Less(t, len(snap.Rows), 10)
	assert.GreaterOrEqual(t, s.rig.IdleCount(), 1)
	assert.Equal(t, 0.0, s.rig.SetPoint())

	assert.ErrorIs(t, s.orch.Cancel(), ErrNotAllowed)
}

func TestSilentControllerFailsRun(t *testing.T) {
	s := newStation(t, nil)
	s.rig.SetSilent(true)

	require.NoError(t, s.orch.Do(OpCalculate))
	s.orch.Wait()

	snap := s.orch.Snapshot()
	assert.Equal(t, "failed", snap.Status)
	assert.NotEmpty(t, snap.Error)
	assert.True(t, s.op.saw("calculate failed"))
	assert.Equal(t, StateInitial, s.orch.State())
}

func TestSignalsNeedRunningSession(t *testing.T) {
	s := newStation(t, nil)
	assert.ErrorIs(t, s.orch.Signal(OpSpanOK), ErrNotAllowed)
	assert.ErrorIs(t, s.orch.Do(OpZeroOK), ErrNotAllowed)

	err := s.orch.OnOperatorCommand(context.Background(), mfc.IncomingOperatorCommand{Action: "launch"})
	require.Error(t, err)
}

func TestStartNeedsConnectedLinks(t *testing.T) {
	rig := sim.NewRig(1000, 0)
	lc := config.LinkConfig{Port: "sim", TimeoutMs: 100, PollMs: 10}
	ctrlLink := link.New("controller", lc, func(config.LinkConfig) (link.Port, error) { return rig.ControllerPort(), nil })
	balLink := link.New("balance", lc, func(config.LinkConfig) (link.Port, error) { return rig.BalancePort(), nil })

	ctrl := controller.New(ctrlLink, lc.Timeout())
	bal := balance.New(balLink, "", lc.Timeout())
	orch := New(testCalibration(), ctrl, bal, &fakeOperator{confirm: true}, linkStatus{ctrl: ctrlLink, bal: balLink}, nil)

	assert.ErrorIs(t, orch.Do(OpMFM), ErrNotConnected)
	assert.ErrorIs(t, orch.Do(OpCalculate), mfc.ErrConnection)
	assert.Equal(t, StateInitial, orch.State())
}
