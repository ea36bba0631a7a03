// Package sim emulates a mass-flow controller plumbed into a balance.
// Both instruments speak their ASCII line protocols through in-memory ports.
package sim

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/flowcal/internal/eeprom"
)

type Rig struct {
	mu sync.Mutex

	address      string
	memory       map[eeprom.Address]byte
	pending      string // handshake category awaiting its second phase
	setPoint     float64
	fullScale    float64 // mg/min at 100 %
	nonlinearity float64

	weight     float64 // mg
	lastUpdate time.Time
	now        func() time.Time

	zeroSets   int
	idleCount  int
	rejectNext bool
	silent     bool
	noise      []string
}

// NewRig builds a rig with address "07" whose true flow bows away from the
// set point by the given nonlinearity (0 = perfectly linear).
func NewRig(fullScale, nonlinearity float64) *Rig {
	r := &Rig{
		address:      "07",
		memory:       make(map[eeprom.Address]byte),
		fullScale:    fullScale,
		nonlinearity: nonlinearity,
		now:          time.Now,
	}
	r.lastUpdate = r.now()
	for i, b := range []byte("SIM00001") {
		r.memory[eeprom.SerialNumber[i]] = b
	}
	r.putWord(eeprom.VOCalibration, 0x1234)
	r.putWord(eeprom.SpanGain, 0x4000)
	for _, wa := range eeprom.LinearGain {
		r.putWord(wa, 0x2000)
	}
	for i, wa := range eeprom.Breakpoint {
		r.putWord(wa, uint16(float64((i+1)*10)*32768/125))
	}
	return r
}

func (r *Rig) putWord(wa eeprom.WordAddress, w uint16) {
	hi, lo := eeprom.SplitWord(w)
	r.memory[wa.Hi] = hi
	r.memory[wa.Lo] = lo
}

/* =========================
   Inspection + fault injection
   ========================= */

func (r *Rig) Address() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

func (r *Rig) Word(wa eeprom.WordAddress) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return eeprom.JoinWord(r.memory[wa.Hi], r.memory[wa.Lo])
}

// Bytes returns the raw EEPROM contents at addrs.
func (r *Rig) Bytes(addrs []eeprom.Address) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(addrs))
	for i, a := range addrs {
		out[i] = r.memory[a]
	}
	return out
}

func (r *Rig) SetWord(wa eeprom.WordAddress, w uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putWord(wa, w)
}

func (r *Rig) SetPoint() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setPoint
}

func (r *Rig) ZeroSets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zeroSets
}

func (r *Rig) IdleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleCount
}

// RejectNextHandshake makes the next handshake answer "NG".
func (r *Rig) RejectNextHandshake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectNext = true
}

// SetSilent stops the controller from answering anything.
func (r *Rig) SetSilent(silent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silent = silent
}

// InjectBalanceNoise queues lines the balance sends ahead of its next weight.
func (r *Rig) InjectBalanceNoise(lines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noise = append(r.noise, lines...)
}

/* =========================
   Flow model
   ========================= */

// Flow is the true mass flow in mg/min at the current set point.
func (r *Rig) Flow() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flowLocked()
}

func (r *Rig) flowLocked() float64 {
	x := r.setPoint / 100
	return r.fullScale * x * (1 + r.nonlinearity*(1-x))
}

func (r *Rig) advanceLocked() {
	now := r.now()
	dt := now.Sub(r.lastUpdate).Minutes()
	if dt > 0 {
		r.weight += r.flowLocked() * dt
	}
	r.lastUpdate = now
}

/* =========================
   Controller protocol
   ========================= */

// ControllerRespond handles one controller frame and returns the reply lines.
func (r *Rig) ControllerRespond(frame string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.silent {
		return nil
	}
	frame = strings.TrimSpace(frame)
	if frame == "RA" {
		return []string{r.address + ",RA"}
	}
	addr, body, ok := strings.Cut(frame, ",")
	if !ok || addr != r.address {
		return nil
	}

	if r.pending != "" {
		category := r.pending
		r.pending = ""
		return r.secondPhaseLocked(category, body)
	}

	switch body {
	case "ER", "EW", "SP", "CA":
		if r.rejectNext {
			r.rejectNext = false
			return []string{r.address + ",NG"}
		}
		r.pending = body
		return []string{r.address + ",AK"}
	case "OV":
		return []string{fmt.Sprintf("%s,OV,%+07.2f", r.address, r.setPoint)}
	case "ZS":
		r.zeroSets++
	case "NM":
		r.advanceLocked()
		r.setPoint = 0
		r.idleCount++
	}
	return nil
}

func (r *Rig) secondPhaseLocked(category, body string) []string {
	switch category {
	case "ER":
		v := r.memory[eeprom.Address(strings.ToUpper(body))]
		return []string{r.address + "," + eeprom.EncodeByte(v)}
	case "EW":
		if len(body) != 6 {
			return []string{r.address + ",NG"}
		}
		v, err := eeprom.DecodeByte(body[4:])
		if err != nil {
			return []string{r.address + ",NG"}
		}
		r.memory[eeprom.Address(strings.ToUpper(body[:4]))] = v
		return []string{r.address + "," + eeprom.EncodeByte(v)}
	case "SP":
		sp, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return []string{r.address + ",NG"}
		}
		r.advanceLocked()
		r.setPoint = sp
		return []string{r.address + ",OK"}
	case "CA":
		if len(body) != 2 {
			return []string{r.address + ",NG"}
		}
		r.address = body
		return []string{r.address + ",OK"}
	}
	return nil
}

/* =========================
   Balance protocol
   ========================= */

// BalanceRespond handles one balance command.
func (r *Rig) BalanceRespond(line string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(line) != "Q" {
		return []string{"EC,E01"}
	}
	r.advanceLocked()
	out := append([]string(nil), r.noise...)
	r.noise = nil
	return append(out, fmt.Sprintf("ST,%+010.4f g", r.weight/1000))
}
