package sim

import (
	"bytes"
	"io"
	"sync"
)

// linePort is an in-memory serial port that answers each written line.
type linePort struct {
	respond func(line string) []string
	delim   []byte

	wmu sync.Mutex
	in  []byte

	rmu  sync.Mutex
	left []byte

	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newLinePort(respond func(string) []string) *linePort {
	return &linePort{
		respond: respond,
		delim:   []byte("\r\n"),
		out:     make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// ControllerPort returns a fresh port wired to the simulated controller.
func (r *Rig) ControllerPort() io.ReadWriteCloser { return newLinePort(r.ControllerRespond) }

// BalancePort returns a fresh port wired to the simulated balance.
func (r *Rig) BalancePort() io.ReadWriteCloser { return newLinePort(r.BalanceRespond) }

func (p *linePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.in = append(p.in, b...)
	for {
		i := bytes.Index(p.in, p.delim)
		if i < 0 {
			break
		}
		line := string(p.in[:i])
		p.in = append(p.in[:0], p.in[i+len(p.delim):]...)
		for _, reply := range p.respond(line) {
			select {
			case p.out <- append([]byte(reply), p.delim...):
			case <-p.closed:
				return 0, io.ErrClosedPipe
			}
		}
	}
	return len(b), nil
}

func (p *linePort) Read(b []byte) (int, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	if len(p.left) == 0 {
		select {
		case chunk := <-p.out:
			p.left = chunk
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.left)
	p.left = p.left[n:]
	return n, nil
}

func (p *linePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
