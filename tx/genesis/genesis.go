// Package genesis registers the "genesis" worker procedure: the example
// setup transaction that funds a fixed number of accounts in one commit,
// exercising the impersonation ABI end-to-end (worker registry -> xct ->
// storage/array) the way tx/transfer's read/write staging does for the
// steady-state workload. Grounded on the teacher's tx/genesis seed-data
// procedure shape.
package genesis

import (
	"github.com/pkg/errors"

	"github.com/outofforest/quantum/storage/array"
	txtypes "github.com/outofforest/quantum/tx/types"
	"github.com/outofforest/quantum/worker"
	"github.com/outofforest/quantum/xct"
)

// ProcedureName is the name genesis registers itself under in a
// worker.Registry.
const ProcedureName = "genesis"

// Register adds the genesis procedure to reg, writing InitialBalance into
// every account in [0, NumAccounts) of accounts in a single transaction.
func Register(reg *worker.Registry, accounts *array.Space) error {
	return reg.Register(ProcedureName, func(x *xct.Xct, input, output []byte) error {
		req, ok := txtypes.DecodeGenesisRequest(input)
		if !ok {
			return errors.New("tx/genesis: input too small for GenesisRequest")
		}

		if err := x.Begin(xct.Serializable); err != nil {
			return errors.WithStack(err)
		}

		balance := txtypes.EncodeBalance(req.InitialBalance)
		for acct := uint64(0); acct < req.NumAccounts; acct++ {
			if err := accounts.Write(x, acct, balance); err != nil {
				_ = x.Abort(xct.UnexpectedAbort)
				return err
			}
		}

		_, err := x.Commit()
		return err
	})
}
