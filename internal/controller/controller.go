// Package controller speaks the mass-flow controller's ASCII command protocol.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/mfc"
)

const (
	CodeDiscover    = "RA"
	CodeReaddress   = "CA"
	CodeEepromRead  = "ER"
	CodeEepromWrite = "EW"
	CodeSetFlow     = "SP"
	CodeOutputValue = "OV"
	CodeZeroSet     = "ZS"
	CodeIdle        = "NM"
	Ack             = "AK"

	eepromValueOffset = 3
	eepromMinReply    = eepromValueOffset + 2
)

// Transport is the line-oriented link the protocol runs over.
type Transport interface {
	WriteLine(text string) error
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
}

type Controller struct {
	t       Transport
	timeout time.Duration
	log     *slog.Logger

	// sem is a one-slot lock that can be abandoned when ctx ends.
	// It guards address and every exchange on t.
	sem     chan struct{}
	address string
}

func New(t Transport, timeout time.Duration) *Controller {
	return &Controller{
		t:       t,
		timeout: timeout,
		log:     logging.With("component", "controller"),
		sem:     make(chan struct{}, 1),
	}
}

func (c *Controller) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mfc.FromContext(err)
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return mfc.FromContext(ctx.Err())
	}
}

func (c *Controller) unlock() { <-c.sem }

// Address returns the cached device address, possibly empty.
func (c *Controller) Address(ctx context.Context) (string, error) {
	if err := c.lock(ctx); err != nil {
		return "", err
	}
	defer c.unlock()
	return c.address, nil
}

// Forget clears the cached address so the next operation rediscovers it.
func (c *Controller) Forget(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	c.address = ""
	return nil
}

// Execute runs one command, resolving the device address first if needed.
func (c *Controller) Execute(ctx context.Context, cmd mfc.Command) (mfc.Response, error) {
	if err := c.lock(ctx); err != nil {
		return mfc.Response{}, err
	}
	defer c.unlock()

	if !validAddress(c.address) {
		if err := c.discoverLocked(ctx); err != nil {
			return mfc.Response{}, err
		}
	}

	switch cmd.Kind {
	case mfc.FireAndForget:
		return mfc.Response{}, c.t.WriteLine(c.frame(cmd.Code))

	case mfc.Query:
		if err := c.t.WriteLine(c.frame(cmd.Code)); err != nil {
			return mfc.Response{}, err
		}
		line, err := c.t.ReadLine(ctx, c.timeout)
		if err != nil {
			return mfc.Response{}, fmt.Errorf("query %s: %w", cmd.Code, err)
		}
		return mfc.Response{Line: line}, nil

	case mfc.Handshake:
		line, err := c.handshakeLocked(ctx, cmd.Code, cmd.Code2)
		return mfc.Response{Line: line}, err

	case mfc.EepromReadWrite:
		return c.eepromLocked(ctx, cmd)
	}
	return mfc.Response{}, fmt.Errorf("unknown command kind %v", cmd.Kind)
}

func (c *Controller) frame(code string) string { return c.address + "," + code }

func (c *Controller) discoverLocked(ctx context.Context) error {
	if err := c.t.WriteLine(CodeDiscover); err != nil {
		return err
	}
	line, err := c.t.ReadLine(ctx, c.timeout)
	if err != nil {
		return fmt.Errorf("discover address: %w", err)
	}
	if len(line) < 2 || !validAddress(line[:2]) {
		return fmt.Errorf("%w: discovery reply %q", mfc.ErrMalformedResponse, line)
	}
	c.address = line[:2]
	c.log.Info("controller address resolved", "address", c.address)
	return nil
}

func (c *Controller) handshakeLocked(ctx context.Context, code1, code2 string) (string, error) {
	if err := c.t.WriteLine(c.frame(code1)); err != nil {
		return "", err
	}
	ack, err := c.t.ReadLine(ctx, c.timeout)
	if err != nil {
		return "", fmt.Errorf("handshake %s: %w", code1, err)
	}
	if !strings.EqualFold(strings.TrimSpace(ack), c.frame(Ack)) {
		return "", fmt.Errorf("%w: %s answered %q", mfc.ErrHandshakeRejected, code1, ack)
	}

	if err := c.t.WriteLine(c.frame(code2)); err != nil {
		return "", err
	}
	final, err := c.t.ReadLine(ctx, c.timeout)
	if err != nil {
		return "", fmt.Errorf("handshake %s: %w", code1, err)
	}

	if code1 == CodeReaddress {
		if len(final) < 2 || !validAddress(final[:2]) {
			return "", fmt.Errorf("%w: re-address reply %q", mfc.ErrMalformedResponse, final)
		}
		c.log.Info("controller re-addressed", "from", c.address, "to", final[:2])
		c.address = final[:2]
	}
	return final, nil
}

func (c *Controller) eepromLocked(ctx context.Context, cmd mfc.Command) (mfc.Response, error) {
	addr := strings.ToUpper(cmd.Address)
	if cmd.Value == nil {
		line, err := c.handshakeLocked(ctx, CodeEepromRead, addr)
		if err != nil {
			return mfc.Response{}, err
		}
		v, err := eepromValue(line)
		if err != nil {
			return mfc.Response{}, fmt.Errorf("read %s: %w", addr, err)
		}
		return mfc.Response{Line: line, Value: v}, nil
	}

	want := *cmd.Value
	line, err := c.handshakeLocked(ctx, CodeEepromWrite, addr+eeprom.EncodeByte(want))
	if err != nil {
		return mfc.Response{}, err
	}
	got, err := eepromValue(line)
	if err != nil {
		return mfc.Response{}, fmt.Errorf("write %s: %w", addr, err)
	}
	if got != want {
		return mfc.Response{Line: line, Value: got}, fmt.Errorf("%w: %s wrote %02X, echoed %02X", mfc.ErrVerifyMismatch, addr, want, got)
	}
	return mfc.Response{Line: line, Value: got}, nil
}

func eepromValue(line string) (byte, error) {
	line = strings.TrimRight(line, " \r\n")
	if len(line) < eepromMinReply {
		return 0, fmt.Errorf("%w: eeprom reply %q", mfc.ErrMalformedResponse, line)
	}
	return eeprom.DecodeByte(strings.ToUpper(line[eepromValueOffset:eepromMinReply]))
}

func validAddress(a string) bool {
	return len(a) == 2 && a[0] >= '0' && a[0] <= '9' && a[1] >= '0' && a[1] <= '9'
}
