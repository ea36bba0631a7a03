// Package console is the interactive operator terminal. It shows workflow
// messages, answers confirmations and turns typed commands into operations.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/station"
	"github.com/fisaks/flowcal/internal/util"
	"github.com/fisaks/flowcal/internal/workflow"
)

type Orchestrator interface {
	State() workflow.State
	Enabled() []workflow.Op
	Snapshot() mfc.SessionSnapshot
	Do(op workflow.Op) error
}

type Station interface {
	Status() station.Status
	Connect(ctx context.Context) error
}

// Console implements mfc.Operator. Lines typed while a confirmation is
// pending answer it instead of running a command.
type Console struct {
	rl     *readline.Instance
	out    io.Writer
	orch   Orchestrator
	status Station

	mu      sync.Mutex
	confirm chan bool
}

// New opens a readline prompt on the terminal. Attach must be called
// before Run.
func New(prompt string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl, out: rl.Stdout()}, nil
}

// Attach sets the orchestrator and status source the commands act on.
// The orchestrator needs the console as its operator, hence two steps.
func (c *Console) Attach(orch Orchestrator, status Station) {
	c.orch = orch
	c.status = status
}

// Stderr coordinates log output with the prompt.
func (c *Console) Stderr() io.Writer {
	if c.rl == nil {
		return c.out
	}
	return c.rl.Stderr()
}

func (c *Console) ShowMessage(text string) {
	fmt.Fprintf(c.out, ">> %s\n", text)
}

func (c *Console) ShowModalConfirm(ctx context.Context, text string) bool {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.confirm = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.confirm == ch {
			c.confirm = nil
		}
		c.mu.Unlock()
	}()

	fmt.Fprintf(c.out, ">> %s [y/n]\n", text)
	select {
	case ok := <-ch:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (c *Console) CloseMessage() {
	c.mu.Lock()
	ch := c.confirm
	c.confirm = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- false
	}
}

// Run reads commands until EOF, "quit" or ctx ends.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if !c.Handle(line) {
			cancel()
			return
		}
	}
}

// Handle processes one input line. It returns false when the operator
// asked to quit.
func (c *Console) Handle(line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if c.answer(input) {
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.cmdStatus()
	case "session":
		c.cmdSession()
	case "table", "t":
		c.cmdTable()
	case "connect":
		c.cmdConnect()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		op, err := workflow.ParseOp(cmd)
		if err != nil {
			fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
			return true
		}
		if err := c.orch.Do(op); err != nil {
			fmt.Fprintf(c.out, "%s: %v\n", op, err)
			return true
		}
		fmt.Fprintf(c.out, "%s accepted, state %s\n", op, c.orch.State())
	}
	return true
}

func (c *Console) answer(input string) bool {
	c.mu.Lock()
	ch := c.confirm
	c.mu.Unlock()
	if ch == nil {
		return false
	}

	var ok bool
	switch strings.ToLower(input) {
	case "y", "yes":
		ok = true
	case "n", "no":
	default:
		fmt.Fprintln(c.out, "answer y or n")
		return true
	}

	c.mu.Lock()
	if c.confirm == ch {
		c.confirm = nil
		ch <- ok
	}
	c.mu.Unlock()
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Flow calibration commands:
  Session:
    mfm                - Zero and span adjust
    measure            - Sweep set points, no EEPROM writes
    calculate          - Sweep, derive and write the linearization table
    confirm            - Sweep against the written table
    zero-send          - Send zero to the controller
    zero-ok            - Accept zero, continue with span
    span-ok            - Accept span, write span gain
    cancel             - Abort the running session

  Info:
    connect            - Reopen and verify both links
    status             - Link and device status
    session            - Last session summary
    table              - Gains and breakpoints of the last session
    help               - Show this help
    quit               - Exit`)
}

func (c *Console) cmdStatus() {
	st := c.status.Status()
	fmt.Fprintf(c.out, "station     %s\n", st.Station)
	fmt.Fprintf(c.out, "controller  %s\n", connected(st.ControllerConnected))
	fmt.Fprintf(c.out, "balance     %s\n", connected(st.BalanceConnected))
	if d := st.Device; d != nil {
		fmt.Fprintf(c.out, "serial      %s\n", d.SerialNumber)
		fmt.Fprintf(c.out, "vo cal      %04X\n", d.VOCalibration)
		fmt.Fprintf(c.out, "span gain   %04X\n", d.SpanGain)
	}
	fmt.Fprintf(c.out, "state       %s\n", c.orch.State())
	fmt.Fprintf(c.out, "enabled     %v\n", c.orch.Enabled())
}

func (c *Console) cmdConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.status.Connect(ctx); err != nil {
		fmt.Fprintf(c.out, "connect: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "links connected")
}

func (c *Console) cmdSession() {
	snap := c.orch.Snapshot()
	if snap.ID == "" {
		fmt.Fprintln(c.out, "no session yet")
		return
	}
	fmt.Fprintf(c.out, "%s %s: %s (%s)\n", snap.Kind, snap.ID, snap.Status, snap.State)
	if snap.Error != "" {
		fmt.Fprintf(c.out, "  error: %s\n", snap.Error)
	}
	for _, row := range snap.Rows {
		fmt.Fprintf(c.out, "  %5.1f %%  %12.1f mg/min  corrected %7.3f  vout %6.2f  confirm %+7.3f\n",
			row.SetPoint, row.Reading, row.CorrectedData, row.VOUT, row.Confirm)
	}
	if snap.SpanGain != 0 {
		fmt.Fprintf(c.out, "  span gain %04X\n", snap.SpanGain)
	}
}

func (c *Console) cmdTable() {
	snap := c.orch.Snapshot()
	if len(snap.Gains) == 0 && len(snap.Breakpts) == 0 {
		fmt.Fprintln(c.out, "no table yet")
		return
	}
	fmt.Fprintf(c.out, "gains        %s\n", util.WordsToHex(snap.Gains))
	fmt.Fprintf(c.out, "breakpoints  %s\n", util.WordsToHex(snap.Breakpts))
}

func connected(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}
