package server

import (
	"context"
	"errors"

	"RiskGate/internal/audit"
	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/risk"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps the domain error taxonomy onto gRPC codes. The HTTP routes
// derive their status from the same code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	var (
		halted   *risk.TradingHaltedError
		ooo      *risk.OutOfOrderError
		conflict *idempotency.ConflictError
		timeout  *gate.SubmissionTimeoutError
		rejected *gate.SubmissionFailedError
		tamper   *audit.TamperDetected
		write    *audit.ChainWriteError
	)
	switch {
	case errors.As(err, &halted), errors.As(err, &rejected):
		return codes.FailedPrecondition
	case errors.As(err, &conflict):
		return codes.AlreadyExists
	case errors.As(err, &timeout):
		return codes.DeadlineExceeded
	case errors.As(err, &tamper):
		return codes.DataLoss
	case errors.As(err, &ooo), errors.As(err, &write):
		return codes.Unavailable
	case errors.Is(err, idempotency.ErrInFlight):
		return codes.Aborted
	case errors.Is(err, gate.ErrInvalidOrder),
		errors.Is(err, gate.ErrReasonRequired),
		errors.Is(err, risk.ErrReasonRequired),
		errors.Is(err, risk.ErrInvalidOutcome),
		errors.Is(err, audit.ErrInvalidEvent),
		errors.Is(err, audit.ErrArchiveBoundary),
		errors.Is(err, idempotency.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, gate.ErrProposalNotFound),
		errors.Is(err, idempotency.ErrNotFound),
		errors.Is(err, audit.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, gate.ErrProposalDecided),
		errors.Is(err, idempotency.ErrNotReserved),
		errors.Is(err, idempotency.ErrNotPending),
		errors.Is(err, risk.ErrNotHalted),
		errors.Is(err, risk.ErrNotInitialized):
		return codes.FailedPrecondition
	case errors.Is(err, gate.ErrCancelUnsupported):
		return codes.Unimplemented
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}
