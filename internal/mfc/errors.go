package mfc

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConnection        = errors.New("connection error")
	ErrTimeout           = errors.New("timeout")
	ErrIO                = errors.New("i/o error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrVerifyMismatch    = errors.New("verify mismatch")
	ErrCanceled          = errors.New("canceled")
)

// ErrNotOpen is the link-level flavour of ErrConnection.
var ErrNotOpen = fmt.Errorf("%w: link not open", ErrConnection)

type Kind int

const (
	KindNone Kind = iota
	KindConnection
	KindTimeout
	KindIO
	KindMalformedResponse
	KindHandshakeRejected
	KindVerifyMismatch
	KindCanceled
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	case KindMalformedResponse:
		return "malformed_response"
	case KindHandshakeRejected:
		return "handshake_rejected"
	case KindVerifyMismatch:
		return "verify_mismatch"
	case KindCanceled:
		return "canceled"
	}
	return "other"
}

// KindOf classifies err. Context cancellation maps to KindCanceled and
// context deadlines to KindTimeout.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrHandshakeRejected):
		return KindHandshakeRejected
	case errors.Is(err, ErrVerifyMismatch):
		return KindVerifyMismatch
	}
	return KindOther
}

func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// FromContext turns a context error into the tagged taxonomy error.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCanceled
	}
	return err
}
