package mfc

import (
	"context"
	"time"
)

// Operator is the message/confirmation service the workflow reports to.
type Operator interface {
	ShowMessage(text string)
	// ShowModalConfirm blocks until the operator answers; false when ctx ends first.
	ShowModalConfirm(ctx context.Context, text string) bool
	CloseMessage()
}

type ConnectionStatus interface {
	IsControllerConnected() bool
	IsBalanceConnected() bool
}

// Row is the per-set-point output of a calculate/confirm run.
type Row struct {
	SetPoint      float64 `json:"setPoint"`
	Reading       float64 `json:"reading"`       // trimmed mean flow, mg/min
	InitialVO     uint16  `json:"initialVO"`     // gain word found in EEPROM before the run
	CorrectedData float64 `json:"correctedData"` // reading as % of the full-scale reading
	VOUT          float64 `json:"vout"`          // controller output value
	VO            uint16  `json:"vo"`            // VO calibration word
	Confirm       float64 `json:"confirm"`       // corrected - set point, confirm runs only
}

type SessionSnapshot struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "mfm", "calculate", "confirm"
	State     string    `json:"state"`
	Status    string    `json:"status"` // "running", "ok", "failed", "canceled"
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Rows      []Row     `json:"rows,omitempty"`
	Gains     []uint16  `json:"gains,omitempty"`
	Breakpts  []uint16  `json:"breakpoints,omitempty"`
	SpanGain  uint16    `json:"spanGain,omitempty"`
}

type SessionPublisher interface {
	PublishSession(ctx context.Context, snapshot SessionSnapshot) error
	PublishEvent(ctx context.Context, typ string, detail map[string]any) error
}

// IncomingOperatorCommand is the loose JSON shape received for remote operator signals.
type IncomingOperatorCommand struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
}

type OperatorSubscriber interface {
	OnOperatorCommand(ctx context.Context, command IncomingOperatorCommand) error
}
