// Package transfer registers the "transfer" worker procedure: the example
// steady-state OLTP transaction moving a balance between two accounts.
// Grounded on the teacher's tx/transfer.go Prepare/Execute staging (read
// both sides, validate, write both sides, commit) and credited as one of
// xct's own grounding sources for its commit protocol.
package transfer

import (
	"github.com/pkg/errors"

	"github.com/outofforest/quantum/storage/array"
	txtypes "github.com/outofforest/quantum/tx/types"
	"github.com/outofforest/quantum/worker"
	"github.com/outofforest/quantum/xct"
)

// ProcedureName is the name transfer registers itself under in a
// worker.Registry.
const ProcedureName = "transfer"

// MaxRaceRetries bounds how many times a transfer re-executes after losing
// an optimistic race (spec §7 RACE_ABORT is locally retryable) before
// giving up and returning the abort to the caller.
const MaxRaceRetries = 8

// Register adds the transfer procedure to reg, moving TransferRequest.Amount
// from From to To in accounts and writing a TransferResponse of the two
// post-transfer balances into the session's output buffer.
func Register(reg *worker.Registry, accounts *array.Space) error {
	return reg.Register(ProcedureName, func(x *xct.Xct, input, output []byte) error {
		req, ok := txtypes.DecodeTransferRequest(input)
		if !ok {
			return errors.New("tx/transfer: input too small for TransferRequest")
		}

		for attempt := 0; attempt < MaxRaceRetries; attempt++ {
			resp, err := execute(x, accounts, req)
			if err == nil {
				txtypes.EncodeTransferResponseInto(output, resp)
				return nil
			}

			xerr, isXctErr := err.(*xct.Error)
			if !isXctErr || xerr.Kind != xct.RaceAbort {
				return err
			}
		}
		return xct.NewError(xct.RaceAbort)
	})
}

func execute(x *xct.Xct, accounts *array.Space, req txtypes.TransferRequest) (txtypes.TransferResponse, error) {
	if err := x.Begin(xct.Serializable); err != nil {
		return txtypes.TransferResponse{}, errors.WithStack(err)
	}

	fromPayload, err := accounts.Read(x, req.From)
	if err != nil {
		_ = x.Abort(xct.UnexpectedAbort)
		return txtypes.TransferResponse{}, err
	}
	toPayload, err := accounts.Read(x, req.To)
	if err != nil {
		_ = x.Abort(xct.UnexpectedAbort)
		return txtypes.TransferResponse{}, err
	}

	fromBalance := txtypes.DecodeBalance(fromPayload)
	toBalance := txtypes.DecodeBalance(toPayload)

	if fromBalance < req.Amount {
		_ = x.Abort(xct.UserRequestedAbort)
		return txtypes.TransferResponse{}, xct.NewError(xct.UserRequestedAbort)
	}

	newFrom := fromBalance - req.Amount
	newTo := toBalance + req.Amount

	if err := accounts.Write(x, req.From, txtypes.EncodeBalance(newFrom)); err != nil {
		_ = x.Abort(xct.UnexpectedAbort)
		return txtypes.TransferResponse{}, err
	}
	if err := accounts.Write(x, req.To, txtypes.EncodeBalance(newTo)); err != nil {
		_ = x.Abort(xct.UnexpectedAbort)
		return txtypes.TransferResponse{}, err
	}

	if _, err := x.Commit(); err != nil {
		return txtypes.TransferResponse{}, err
	}

	return txtypes.TransferResponse{FromBalance: newFrom, ToBalance: newTo}, nil
}
