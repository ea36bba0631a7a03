package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/mfc"
)

func (c *Controller) FireAndForget(ctx context.Context, code string) error {
	_, err := c.Execute(ctx, mfc.NewFireAndForget(code))
	return err
}

func (c *Controller) Query(ctx context.Context, code string) (string, error) {
	r, err := c.Execute(ctx, mfc.NewQuery(code))
	return r.Line, err
}

func (c *Controller) Handshake(ctx context.Context, code1, code2 string) (string, error) {
	r, err := c.Execute(ctx, mfc.NewHandshake(code1, code2))
	return r.Line, err
}

// ReadWrite reads addr when value is nil and writes *value otherwise.
func (c *Controller) ReadWrite(ctx context.Context, addr eeprom.Address, value *byte) (byte, error) {
	cmd := mfc.NewEepromRead(string(addr))
	if value != nil {
		cmd = mfc.NewEepromWrite(string(addr), *value)
	}
	r, err := c.Execute(ctx, cmd)
	return r.Value, err
}

func (c *Controller) ReadEeprom(ctx context.Context, addr eeprom.Address) (byte, error) {
	r, err := c.Execute(ctx, mfc.NewEepromRead(string(addr)))
	return r.Value, err
}

func (c *Controller) WriteEeprom(ctx context.Context, addr eeprom.Address, v byte) error {
	_, err := c.Execute(ctx, mfc.NewEepromWrite(string(addr), v))
	return err
}

// ReadWord reads the big then the little byte of a word.
func (c *Controller) ReadWord(ctx context.Context, wa eeprom.WordAddress) (uint16, error) {
	hi, err := c.ReadEeprom(ctx, wa.Hi)
	if err != nil {
		return 0, err
	}
	lo, err := c.ReadEeprom(ctx, wa.Lo)
	if err != nil {
		return 0, err
	}
	return eeprom.JoinWord(hi, lo), nil
}

func (c *Controller) WriteWord(ctx context.Context, wa eeprom.WordAddress, w uint16) error {
	hi, lo := eeprom.SplitWord(w)
	if err := c.WriteEeprom(ctx, wa.Hi, hi); err != nil {
		return err
	}
	return c.WriteEeprom(ctx, wa.Lo, lo)
}

// Identify forces address discovery and returns the resolved address.
// It is the live round trip used when the controller link connects.
func (c *Controller) Identify(ctx context.Context) (string, error) {
	if err := c.Forget(ctx); err != nil {
		return "", err
	}
	if _, err := c.Query(ctx, CodeOutputValue); err != nil {
		return "", err
	}
	return c.Address(ctx)
}

// SetFlow commands the output to percent of full scale.
func (c *Controller) SetFlow(ctx context.Context, percent float64) error {
	_, err := c.Handshake(ctx, CodeSetFlow, fmt.Sprintf("%05.1f", percent))
	return err
}

// OutputValue returns the controller's reported output, in percent.
func (c *Controller) OutputValue(ctx context.Context) (float64, error) {
	line, err := c.Query(ctx, CodeOutputValue)
	if err != nil {
		return 0, err
	}
	field := strings.TrimSpace(line[strings.LastIndex(line, ",")+1:])
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: output value %q", mfc.ErrMalformedResponse, line)
	}
	return v, nil
}

func (c *Controller) ZeroSet(ctx context.Context) error { return c.FireAndForget(ctx, CodeZeroSet) }

func (c *Controller) ReturnToIdle(ctx context.Context) error { return c.FireAndForget(ctx, CodeIdle) }

// Readdress moves the device to newAddress and returns the address it reports.
func (c *Controller) Readdress(ctx context.Context, newAddress string) (string, error) {
	if !validAddress(newAddress) {
		return "", fmt.Errorf("invalid address %q", newAddress)
	}
	if _, err := c.Handshake(ctx, CodeReaddress, newAddress); err != nil {
		return "", err
	}
	return c.Address(ctx)
}

type DeviceInfo struct {
	SerialNumber  string `json:"serialNumber"`
	VOCalibration uint16 `json:"voCalibration"`
	SpanGain      uint16 `json:"spanGain"`
}

// ReadInfo walks eeprom.InfoTable.
func (c *Controller) ReadInfo(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	for _, entry := range eeprom.InfoTable {
		raw := make([]byte, 0, len(entry.Addresses))
		for _, a := range entry.Addresses {
			v, err := c.ReadEeprom(ctx, a)
			if err != nil {
				return info, fmt.Errorf("read info %s: %w", a, err)
			}
			raw = append(raw, v)
		}
		switch entry.Field {
		case eeprom.FieldSerialNumber:
			info.SerialNumber = strings.TrimRight(string(raw), "\x00 \xff")
		case eeprom.FieldVOCalibration:
			info.VOCalibration = eeprom.JoinWord(raw[0], raw[1])
		case eeprom.FieldSpanGain:
			info.SpanGain = eeprom.JoinWord(raw[0], raw[1])
		}
	}
	return info, nil
}

// Verify is the link.VerifyFunc for the controller link.
func (c *Controller) Verify(ctx context.Context) error {
	addr, err := c.Identify(ctx)
	if err != nil {
		return err
	}
	c.log.Info("controller verified", "address", addr)
	return nil
}
