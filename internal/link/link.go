package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/metrics"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/goburrow/serial"
)

// Port is the raw byte stream under a Link.
type Port interface {
	io.ReadWriteCloser
}

// Dialer opens the port described by cfg.
type Dialer func(cfg config.LinkConfig) (Port, error)

// VerifyFunc performs the live round trip that Connect requires before
// declaring the link usable.
type VerifyFunc func(ctx context.Context) error

func SerialDialer(cfg config.LinkConfig) (Port, error) {
	return serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Poll(),
	})
}

type Link struct {
	name string
	cfg  config.LinkConfig
	dial Dialer
	log  *slog.Logger

	mu       sync.Mutex
	port     Port
	rx       []byte
	rxSignal chan struct{}
	listener func([]byte)
	readErr  error
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(name string, cfg config.LinkConfig, dial Dialer) *Link {
	if dial == nil {
		dial = SerialDialer
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = "\r\n"
	}
	return &Link{
		name:     name,
		cfg:      cfg,
		dial:     dial,
		log:      logging.With("link", name),
		rxSignal: make(chan struct{}, 1),
	}
}

func (l *Link) Name() string              { return l.name }
func (l *Link) Config() config.LinkConfig { return l.cfg }

func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil && l.readErr == nil
}

// Connect replaces any previous port, opens a new one and runs verify.
// On verify failure the port is closed again.
func (l *Link) Connect(ctx context.Context, verify VerifyFunc) error {
	l.Disconnect()

	port, err := l.dial(l.cfg)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", mfc.ErrConnection, l.cfg.Port, err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.port = port
	l.rx = l.rx[:0]
	l.readErr = nil
	l.done = done
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(port, done)

	if verify != nil {
		if err := verify(ctx); err != nil {
			l.log.Warn("link verify failed", "port", l.cfg.Port, "error", err)
			l.Disconnect()
			return fmt.Errorf("verify %s: %w", l.name, err)
		}
	}
	l.log.Info("link connected", "port", l.cfg.Port, "baud", l.cfg.Baud, "parity", l.cfg.Parity)
	return nil
}

// Disconnect detaches the listener and closes the port. It waits for the
// reader goroutine, so it must not be called from a listener.
func (l *Link) Disconnect() {
	l.mu.Lock()
	port, done := l.port, l.done
	l.port = nil
	l.done = nil
	l.listener = nil
	l.mu.Unlock()

	if port == nil {
		return
	}
	close(done)
	if err := port.Close(); err != nil {
		l.log.Warn("link close", "error", err)
	}
	l.wg.Wait()
	l.log.Info("link disconnected", "port", l.cfg.Port)
}

// SetListener routes received chunks to fn instead of the line buffer.
// A nil fn restores line buffering.
func (l *Link) SetListener(fn func(chunk []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = fn
}

// WriteLine drops unread input and writes text followed by the delimiter.
func (l *Link) WriteLine(text string) error {
	l.mu.Lock()
	port := l.port
	if port == nil {
		l.mu.Unlock()
		return mfc.ErrNotOpen
	}
	l.rx = l.rx[:0]
	select {
	case <-l.rxSignal:
	default:
	}
	l.mu.Unlock()

	if l.cfg.Debug {
		l.log.Debug("tx", "frame", text)
	}
	if _, err := io.WriteString(port, text+l.cfg.Delimiter); err != nil {
		return fmt.Errorf("%w: write %s: %v", mfc.ErrIO, l.name, err)
	}
	metrics.FramesSent.WithLabelValues(l.name).Inc()
	if gap := l.cfg.SettleAfterWrite(); gap > 0 {
		time.Sleep(gap)
	}
	return nil
}

// ReadLine waits for the next complete line, delimiter stripped.
func (l *Link) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	delim := []byte(l.cfg.Delimiter)

	for {
		l.mu.Lock()
		if l.port == nil {
			l.mu.Unlock()
			return "", mfc.ErrNotOpen
		}
		if i := bytes.Index(l.rx, delim); i >= 0 {
			line := string(l.rx[:i])
			l.rx = append(l.rx[:0], l.rx[i+len(delim):]...)
			l.mu.Unlock()
			metrics.LinesReceived.WithLabelValues(l.name).Inc()
			if l.cfg.Debug {
				l.log.Debug("rx", "line", line)
			}
			return line, nil
		}
		if l.readErr != nil {
			err := l.readErr
			l.mu.Unlock()
			return "", fmt.Errorf("%w: %s: %v", mfc.ErrIO, l.name, err)
		}
		l.mu.Unlock()

		select {
		case <-l.rxSignal:
		case <-timer.C:
			metrics.Timeouts.WithLabelValues(l.name).Inc()
			return "", fmt.Errorf("%w: no line from %s within %v", mfc.ErrTimeout, l.name, timeout)
		case <-ctx.Done():
			return "", mfc.FromContext(ctx.Err())
		}
	}
}

func (l *Link) readLoop(port Port, done <-chan struct{}) {
	defer l.wg.Done()
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			l.deliver(buf[:n])
		}
		if err == nil {
			continue
		}
		select {
		case <-done:
			return
		default:
		}
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		l.mu.Lock()
		l.readErr = err
		l.mu.Unlock()
		l.signal()
		l.log.Error("link read failed", "port", l.cfg.Port, "error", err)
		return
	}
}

func (l *Link) deliver(chunk []byte) {
	metrics.BytesReceived.WithLabelValues(l.name).Add(float64(len(chunk)))

	l.mu.Lock()
	if fn := l.listener; fn != nil {
		l.mu.Unlock()
		fn(bytes.Clone(chunk))
		return
	}
	l.rx = append(l.rx, chunk...)
	l.mu.Unlock()
	l.signal()
}

func (l *Link) signal() {
	select {
	case l.rxSignal <- struct{}{}:
	default:
	}
}
