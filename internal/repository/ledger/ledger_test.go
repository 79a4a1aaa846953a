package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/reggieyam998/ctf-exchange/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tbtypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

type fakeClient struct {
	batches [][]tbtypes.Transfer
	results []tbtypes.TransferEventResult
	err     error
}

func (f *fakeClient) CreateTransfers(transfers []tbtypes.Transfer) ([]tbtypes.TransferEventResult, error) {
	f.batches = append(f.batches, transfers)
	return f.results, f.err
}

var testOpts = Opts{CashLedger: 1, FeeOwner: 1, AssetLedgers: map[string]uint32{"BTCUSD": 20}}

func sampleTrade() model.Trade {
	return model.Trade{
		ID:           uuid.NewString(),
		Symbol:       "BTCUSD",
		MakerID:      1,
		TakerID:      2,
		MakerAccount: 10, // resting bid
		TakerAccount: 20, // incoming ask
		TakerSide:    model.ASK,
		Price:        100,
		Quantity:     10,
		MakerFee:     1,
		TakerFee:     2,
		Sequence:     5,
	}
}

func TestTransfersLegs(t *testing.T) {
	s := NewSink(&fakeClient{}, testOpts)
	transfers, err := s.Transfers(sampleTrade())
	require.NoError(t, err)
	require.Len(t, transfers, 4)

	cash, asset, makerFee, takerFee := transfers[0], transfers[1], transfers[2], transfers[3]

	assert.Equal(t, util.AccountID(1, 10), cash.DebitAccountID, "buyer pays cash")
	assert.Equal(t, util.AccountID(1, 20), cash.CreditAccountID)
	assert.Equal(t, tbtypes.ToUint128(1000), cash.Amount)
	assert.Equal(t, CodeTradeCash, cash.Code)

	assert.Equal(t, util.AccountID(20, 20), asset.DebitAccountID, "seller delivers asset")
	assert.Equal(t, util.AccountID(20, 10), asset.CreditAccountID)
	assert.Equal(t, tbtypes.ToUint128(10), asset.Amount)
	assert.Equal(t, uint32(20), asset.Ledger)

	assert.Equal(t, util.AccountID(1, 10), makerFee.DebitAccountID)
	assert.Equal(t, util.AccountID(1, 1), makerFee.CreditAccountID)
	assert.Equal(t, tbtypes.ToUint128(1), makerFee.Amount)
	assert.Equal(t, util.AccountID(1, 20), takerFee.DebitAccountID)
	assert.Equal(t, tbtypes.ToUint128(2), takerFee.Amount)

	linked := tbtypes.TransferFlags{Linked: true}.ToUint16()
	assert.Equal(t, linked, transfers[0].Flags)
	assert.Equal(t, linked, transfers[2].Flags)
	assert.Zero(t, transfers[3].Flags, "last leg closes the chain")

	ids := map[tbtypes.Uint128]bool{}
	for _, tr := range transfers {
		ids[tr.ID] = true
		assert.Equal(t, uint64(5), tr.UserData64)
	}
	assert.Len(t, ids, 4)
}

func TestTransfersDeterministicIDs(t *testing.T) {
	s := NewSink(&fakeClient{}, testOpts)
	tr := sampleTrade()
	a, err := s.Transfers(tr)
	require.NoError(t, err)
	b, err := s.Transfers(tr)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTransfersSkipZeroFees(t *testing.T) {
	s := NewSink(&fakeClient{}, testOpts)
	tr := sampleTrade()
	tr.MakerFee, tr.TakerFee = 0, 0
	transfers, err := s.Transfers(tr)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Zero(t, transfers[1].Flags)
}

func TestTransfersUnknownSymbol(t *testing.T) {
	s := NewSink(&fakeClient{}, testOpts)
	tr := sampleTrade()
	tr.Symbol = "ETHUSD"
	_, err := s.Transfers(tr)
	assert.ErrorIs(t, err, model.ErrUnknownInstrument)
}

func TestRecordTradeResults(t *testing.T) {
	ctx := context.Background()

	ok := &fakeClient{}
	require.NoError(t, NewSink(ok, testOpts).RecordTrade(ctx, sampleTrade()))
	assert.Len(t, ok.batches, 1)

	replay := &fakeClient{results: []tbtypes.TransferEventResult{
		{Index: 0, Result: tbtypes.TransferExists},
		{Index: 1, Result: tbtypes.TransferExists},
	}}
	assert.NoError(t, NewSink(replay, testOpts).RecordTrade(ctx, sampleTrade()))

	rejected := &fakeClient{results: []tbtypes.TransferEventResult{
		{Index: 0, Result: tbtypes.TransferExceedsDebits},
	}}
	assert.Error(t, NewSink(rejected, testOpts).RecordTrade(ctx, sampleTrade()))

	down := &fakeClient{err: errors.New("client closed")}
	assert.Error(t, NewSink(down, testOpts).RecordTrade(ctx, sampleTrade()))

	assert.NoError(t, NewSink(ok, testOpts).RecordOrderState(ctx, model.OrderState{ID: 1}))
}

func TestAccountsPerOwnerAndLedger(t *testing.T) {
	accounts := Accounts(1, 99, map[string]uint32{"BTCUSD": 20, "ETHUSD": 30, "XBTUSD": 20}, []uint64{7, 99})

	// fee account, then owner 7 on cash, 20 and 30; owner 99 is the fee owner
	require.Len(t, accounts, 4)
	assert.Equal(t, util.AccountID(1, 99), accounts[0].ID)
	var ledgers []uint32
	for _, a := range accounts[1:] {
		l, owner := util.SplitAccountID(a.ID)
		assert.Equal(t, uint64(7), owner)
		assert.Equal(t, a.Ledger, l)
		assert.Equal(t, AccountCode, a.Code)
		ledgers = append(ledgers, l)
	}
	assert.Equal(t, []uint32{1, 20, 30}, ledgers)
}
