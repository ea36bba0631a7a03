package console

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/station"
	"github.com/fisaks/flowcal/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeOrchestrator struct {
	state workflow.State
	snap  mfc.SessionSnapshot
	err   error
	ops   []workflow.Op
}

func (f *fakeOrchestrator) State() workflow.State  { return f.state }
func (f *fakeOrchestrator) Enabled() []workflow.Op { return workflow.Capabilities[f.state] }
func (f *fakeOrchestrator) Snapshot() mfc.SessionSnapshot {
	return f.snap
}
func (f *fakeOrchestrator) Do(op workflow.Op) error {
	f.ops = append(f.ops, op)
	return f.err
}

type fakeStatus struct {
	err      error
	connects int
}

func (f *fakeStatus) Status() station.Status {
	return station.Status{Station: "bench1", ControllerConnected: true}
}

func (f *fakeStatus) Connect(context.Context) error {
	f.connects++
	return f.err
}

func newTestConsole() (*Console, *fakeOrchestrator, *syncBuffer) {
	out := &syncBuffer{}
	orch := &fakeOrchestrator{}
	c := &Console{out: out}
	c.Attach(orch, &fakeStatus{})
	return c, orch, out
}

func TestHandleRoutesOps(t *testing.T) {
	c, orch, out := newTestConsole()

	assert.True(t, c.Handle("calculate"))
	assert.True(t, c.Handle("  ZERO-SEND "))
	assert.Equal(t, []workflow.Op{workflow.OpCalculate, workflow.OpZeroSend}, orch.ops)
	assert.Contains(t, out.String(), "calculate accepted")

	orch.err = workflow.ErrNotAllowed
	assert.True(t, c.Handle("span-ok"))
	assert.Contains(t, out.String(), "span-ok: operation not allowed")

	assert.True(t, c.Handle("frobnicate"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")
	assert.True(t, c.Handle(""))
	assert.False(t, c.Handle("quit"))
}

func TestConfirmAnsweredByNextLine(t *testing.T) {
	c, orch, out := newTestConsole()

	got := make(chan bool, 1)
	go func() { got <- c.ShowModalConfirm(context.Background(), "Stop the gas") }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Stop the gas [y/n]") },
		time.Second, 5*time.Millisecond)

	assert.True(t, c.Handle("maybe"))
	assert.Contains(t, out.String(), "answer y or n")
	assert.True(t, c.Handle("y"))

	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("confirm not answered")
	}
	assert.Empty(t, orch.ops)

	// no confirm pending, "n" is just an unknown command
	c.Handle("n")
	assert.Contains(t, out.String(), "Unknown command: n")
}

func TestConfirmEndsWithContext(t *testing.T) {
	c, _, _ := newTestConsole()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.ShowModalConfirm(ctx, "Stop the gas"))
}

func TestCloseMessageDeclinesPendingConfirm(t *testing.T) {
	c, _, out := newTestConsole()

	got := make(chan bool, 1)
	go func() { got <- c.ShowModalConfirm(context.Background(), "Stop the gas") }()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[y/n]") },
		time.Second, 5*time.Millisecond)

	c.CloseMessage()
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("confirm not closed")
	}
}

func TestInfoCommands(t *testing.T) {
	c, orch, out := newTestConsole()

	c.Handle("session")
	c.Handle("table")
	assert.Contains(t, out.String(), "no session yet")
	assert.Contains(t, out.String(), "no table yet")

	orch.state = workflow.StateAfterMFM
	orch.snap = mfc.SessionSnapshot{
		ID: "abc", Kind: "calculate", Status: "ok", State: "after_mfm",
		Rows:     []mfc.Row{{SetPoint: 10, Reading: 5400}},
		Gains:    []uint16{0x2000, 0x1F00},
		Breakpts: []uint16{0x0A3D},
	}
	c.Handle("status")
	c.Handle("session")
	c.Handle("t")

	text := out.String()
	assert.Contains(t, text, "station     bench1")
	assert.Contains(t, text, "balance     disconnected")
	assert.Contains(t, text, "state       after_mfm")
	assert.Contains(t, text, "calculate abc: ok")
	assert.Contains(t, text, "gains        2000 1F00")
	assert.Contains(t, text, "breakpoints  0A3D")
}

func TestConnectCommand(t *testing.T) {
	out := &syncBuffer{}
	st := &fakeStatus{}
	c := &Console{out: out}
	c.Attach(&fakeOrchestrator{}, st)

	c.Handle("connect")
	assert.Contains(t, out.String(), "links connected")

	st.err = mfc.ErrConnection
	c.Handle("connect")
	assert.Equal(t, 2, st.connects)
	assert.Contains(t, out.String(), "connect: ")
}
