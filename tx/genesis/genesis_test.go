package genesis_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/storage/array"
	txtypes "github.com/outofforest/quantum/tx/types"
	"github.com/outofforest/quantum/types"
	"github.com/outofforest/quantum/worker"
	"github.com/outofforest/quantum/xct"

	"github.com/outofforest/quantum/tx/genesis"
)

type fakeLog struct {
	mu   sync.Mutex
	data [][]byte
}

func (f *fakeLog) Begin() uint64 { return 0 }
func (f *fakeLog) Append(data []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, data)
	return uint64(len(f.data) - 1), nil
}
func (f *fakeLog) MarkCommit(epoch.Epoch) {}
func (f *fakeLog) Truncate(uint64)        {}

type fakeEpochProvider struct{}

func (fakeEpochProvider) CurrentEpoch() epoch.Epoch              { return epoch.Epoch(1) }
func (fakeEpochProvider) NextOrdinal(epoch.Epoch, uint32) uint32 { return 1 }

func TestGenesisFundsEveryAccount(t *testing.T) {
	requireT := require.New(t)

	accounts, err := array.NewSpace(types.StorageID(1), 4, 64, txtypes.AccountValueSize)
	requireT.NoError(err)

	reg := worker.NewRegistry()
	requireT.NoError(genesis.Register(reg, accounts))

	proc, ok := reg.Lookup(genesis.ProcedureName)
	requireT.True(ok)

	x := xct.New(&fakeLog{}, fakeEpochProvider{})
	output := make([]byte, worker.OutputBufferSize)
	input := txtypes.EncodeGenesisRequest(txtypes.GenesisRequest{NumAccounts: 10, InitialBalance: 100})
	requireT.NoError(proc(x, input, output))

	x2 := xct.New(&fakeLog{}, fakeEpochProvider{})
	requireT.NoError(x2.Begin(xct.Serializable))
	payload, err := accounts.Read(x2, 7)
	requireT.NoError(err)
	requireT.Equal(uint64(100), txtypes.DecodeBalance(payload))
	_, err = x2.Commit()
	requireT.NoError(err)
}
