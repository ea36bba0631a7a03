// Package balance reads weights from a precision balance that streams
// ASCII lines.
package balance

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/metrics"
	"github.com/fisaks/flowcal/internal/mfc"
)

const QueryCommand = "Q"

// Transport is the subset of link.Link the balance needs.
type Transport interface {
	WriteLine(text string) error
	SetListener(fn func(chunk []byte))
}

type Weight struct {
	Stable     bool    `json:"stable"`
	Milligrams float64 `json:"milligrams"`
}

type Balance struct {
	t       Transport
	delim   []byte
	timeout time.Duration
	log     *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	buf     []byte
	pending chan string

	dropped atomic.Uint64
}

func New(t Transport, delimiter string, timeout time.Duration) *Balance {
	if delimiter == "" {
		delimiter = "\r\n"
	}
	return &Balance{
		t:       t,
		delim:   []byte(delimiter),
		timeout: timeout,
		log:     logging.With("component", "balance"),
		sem:     make(chan struct{}, 1),
	}
}

// Attach routes the transport's raw chunks into the balance buffer.
func (b *Balance) Attach() { b.t.SetListener(b.Feed) }

// Verify is the link.VerifyFunc for the balance link.
func (b *Balance) Verify(ctx context.Context) error {
	b.Attach()
	w, err := b.RequestWeight(ctx, b.timeout)
	if err != nil {
		return err
	}
	b.log.Info("balance verified", "mg", w.Milligrams, "stable", w.Stable)
	return nil
}

// Dropped counts lines that completed while no read was pending.
func (b *Balance) Dropped() uint64 { return b.dropped.Load() }

// Feed appends a received chunk and dispatches every completed line.
func (b *Balance) Feed(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, chunk...)
	for {
		i := bytes.Index(b.buf, b.delim)
		if i < 0 {
			return
		}
		line := string(b.buf[:i])
		b.buf = append(b.buf[:0], b.buf[i+len(b.delim):]...)

		if b.pending == nil {
			b.drop(line)
			continue
		}
		select {
		case b.pending <- line:
		default:
			b.drop(line)
		}
	}
}

func (b *Balance) drop(line string) {
	b.dropped.Add(1)
	metrics.DroppedLines.Inc()
	b.log.Debug("balance line dropped", "line", line)
}

// RequestWeight asks for one reading and waits for the first ST/US line.
func (b *Balance) RequestWeight(ctx context.Context, timeout time.Duration) (Weight, error) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return Weight{}, mfc.FromContext(ctx.Err())
	}
	defer func() { <-b.sem }()

	lines := make(chan string, 16)
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.pending = lines
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.pending = nil
		b.mu.Unlock()
	}()

	if err := b.t.WriteLine(QueryCommand); err != nil {
		return Weight{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case line := <-lines:
			w, err := ParseWeight(line)
			if err != nil {
				b.log.Debug("balance line ignored", "line", line, "error", err)
				continue
			}
			metrics.LastWeight.Set(w.Milligrams)
			return w, nil
		case <-timer.C:
			metrics.Timeouts.WithLabelValues("balance").Inc()
			return Weight{}, fmt.Errorf("%w: no weight within %v", mfc.ErrTimeout, timeout)
		case <-ctx.Done():
			return Weight{}, mfc.FromContext(ctx.Err())
		}
	}
}

// ParseWeight decodes a "ST..." or "US..." line into milligrams.
// The optional comma after the status and the trailing unit are ignored.
func ParseWeight(line string) (Weight, error) {
	line = strings.TrimSpace(line)
	if len(line) < 3 {
		return Weight{}, fmt.Errorf("%w: weight line %q", mfc.ErrMalformedResponse, line)
	}
	var w Weight
	switch strings.ToUpper(line[:2]) {
	case "ST":
		w.Stable = true
	case "US":
	default:
		return Weight{}, fmt.Errorf("%w: weight status %q", mfc.ErrMalformedResponse, line[:2])
	}

	rest := strings.TrimSpace(strings.TrimPrefix(line[2:], ","))
	rest = strings.TrimRightFunc(rest, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	grams, err := strconv.ParseFloat(strings.ReplaceAll(rest, " ", ""), 64)
	if err != nil {
		return Weight{}, fmt.Errorf("%w: weight value %q", mfc.ErrMalformedResponse, line)
	}
	w.Milligrams = grams * 1000
	return w, nil
}
