package controller

import (
	"context"
	"sync"
	"time"

	"github.com/fisaks/flowcal/internal/mfc"
)

// mockTransport records every frame and queues whatever respond returns.
type mockTransport struct {
	mu       sync.Mutex
	frames   []string
	respond  func(frame string) []string
	lines    chan string
	writeErr error
}

func newMockTransport(respond func(string) []string) *mockTransport {
	return &mockTransport{respond: respond, lines: make(chan string, 256)}
}

func (m *mockTransport) WriteLine(text string) error {
	m.mu.Lock()
	if m.writeErr != nil {
		m.mu.Unlock()
		return m.writeErr
	}
	m.frames = append(m.frames, text)
	var replies []string
	if m.respond != nil {
		replies = m.respond(text)
	}
	m.mu.Unlock()
	for _, r := range replies {
		m.lines <- r
	}
	return nil
}

func (m *mockTransport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-m.lines:
		return line, nil
	case <-timer.C:
		return "", mfc.ErrTimeout
	case <-ctx.Done():
		return "", mfc.FromContext(ctx.Err())
	}
}

func (m *mockTransport) Frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

// scripted answers frames from a fixed table.
func scripted(table map[string][]string) func(string) []string {
	return func(frame string) []string { return table[frame] }
}
