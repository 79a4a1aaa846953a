// Package ledger turns trades into TigerBeetle transfers. Every owner has
// one account per ledger: the cash ledger for the quote currency and one
// asset ledger per instrument.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/reggieyam998/ctf-exchange/pkg/util"
	tbtypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// AccountCode marks every account the exchange opens.
const AccountCode uint16 = 1001

// Transfer codes.
const (
	CodeTradeCash  uint16 = 3001
	CodeTradeAsset uint16 = 3002
	CodeMakerFee   uint16 = 4001
	CodeTakerFee   uint16 = 4002
)

// Client is the part of the TigerBeetle client the sink needs.
type Client interface {
	CreateTransfers(transfers []tbtypes.Transfer) ([]tbtypes.TransferEventResult, error)
}

type Opts struct {
	CashLedger uint32
	// FeeOwner receives maker and taker fees on the cash ledger.
	FeeOwner uint64
	// AssetLedgers maps symbol to its asset ledger.
	AssetLedgers map[string]uint32
}

type Sink struct {
	client Client
	opts   Opts
}

func NewSink(client Client, opts Opts) *Sink {
	return &Sink{client: client, opts: opts}
}

func (s *Sink) Name() string { return "tigerbeetle" }

// RecordTrade posts one linked batch per trade, so the legs apply together
// or not at all. Transfer ids derive from the trade id; a replay reports
// "exists" and is accepted.
func (s *Sink) RecordTrade(ctx context.Context, trade model.Trade) error {
	transfers, err := s.Transfers(trade)
	if err != nil {
		return err
	}
	results, err := s.client.CreateTransfers(transfers)
	if err != nil {
		return fmt.Errorf("settling trade %s: %w", trade.ID, err)
	}
	for _, r := range results {
		if r.Result == tbtypes.TransferExists {
			continue
		}
		return fmt.Errorf("settling trade %s: transfer %d: %v", trade.ID, r.Index, r.Result)
	}
	return nil
}

// RecordOrderState is a no-op: the ledger only moves balances on trades.
func (s *Sink) RecordOrderState(ctx context.Context, state model.OrderState) error {
	return nil
}

// Transfers builds the settlement legs of trade: buyer cash to seller, seller
// asset to buyer, then each non-zero fee to the fee account.
func (s *Sink) Transfers(trade model.Trade) ([]tbtypes.Transfer, error) {
	assetLedger, ok := s.opts.AssetLedgers[trade.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no asset ledger for %s", model.ErrUnknownInstrument, trade.Symbol)
	}
	tradeUUID, err := uuid.Parse(trade.ID)
	if err != nil {
		return nil, fmt.Errorf("trade id %q: %w", trade.ID, err)
	}

	buyer, seller := uint64(trade.Buyer()), uint64(trade.Seller())
	maker, taker := uint64(trade.MakerAccount), uint64(trade.TakerAccount)
	cash := s.opts.CashLedger
	feeAccount := util.AccountID(cash, s.opts.FeeOwner)

	transfers := []tbtypes.Transfer{
		{
			ID:              legID(tradeUUID, "cash"),
			DebitAccountID:  util.AccountID(cash, buyer),
			CreditAccountID: util.AccountID(cash, seller),
			Amount:          tbtypes.ToUint128(trade.Notional()),
			Ledger:          cash,
			Code:            CodeTradeCash,
		},
		{
			ID:              legID(tradeUUID, "asset"),
			DebitAccountID:  util.AccountID(assetLedger, seller),
			CreditAccountID: util.AccountID(assetLedger, buyer),
			Amount:          tbtypes.ToUint128(uint64(trade.Quantity)),
			Ledger:          assetLedger,
			Code:            CodeTradeAsset,
		},
	}
	if trade.MakerFee > 0 {
		transfers = append(transfers, tbtypes.Transfer{
			ID:              legID(tradeUUID, "maker-fee"),
			DebitAccountID:  util.AccountID(cash, maker),
			CreditAccountID: feeAccount,
			Amount:          tbtypes.ToUint128(trade.MakerFee),
			Ledger:          cash,
			Code:            CodeMakerFee,
		})
	}
	if trade.TakerFee > 0 {
		transfers = append(transfers, tbtypes.Transfer{
			ID:              legID(tradeUUID, "taker-fee"),
			DebitAccountID:  util.AccountID(cash, taker),
			CreditAccountID: feeAccount,
			Amount:          tbtypes.ToUint128(trade.TakerFee),
			Ledger:          cash,
			Code:            CodeTakerFee,
		})
	}

	linked := tbtypes.TransferFlags{Linked: true}.ToUint16()
	for i := range transfers {
		transfers[i].UserData64 = trade.Sequence
		transfers[i].UserData128 = tbtypes.BytesToUint128([16]byte(tradeUUID))
		if i < len(transfers)-1 {
			transfers[i].Flags = linked
		}
	}
	return transfers, nil
}

// Accounts lists the accounts settlement needs: the fee account on the cash
// ledger and, for every owner, one account on the cash ledger and on each
// asset ledger. No account can overdraw.
func Accounts(cashLedger uint32, feeOwner uint64, assetLedgers map[string]uint32, owners []uint64) []tbtypes.Account {
	ledgers := []uint32{cashLedger}
	seen := map[uint32]struct{}{cashLedger: {}}
	symbols := make([]string, 0, len(assetLedgers))
	for symbol := range assetLedgers {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		l := assetLedgers[symbol]
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		ledgers = append(ledgers, l)
	}

	flags := tbtypes.AccountFlags{
		DebitsMustNotExceedCredits: true,
		History:                    true,
	}.ToUint16()
	accounts := []tbtypes.Account{{
		ID:     util.AccountID(cashLedger, feeOwner),
		Code:   AccountCode,
		Ledger: cashLedger,
		Flags:  flags,
	}}
	for _, owner := range owners {
		if owner == feeOwner {
			continue
		}
		for _, l := range ledgers {
			accounts = append(accounts, tbtypes.Account{
				ID:     util.AccountID(l, owner),
				Code:   AccountCode,
				Ledger: l,
				Flags:  flags,
			})
		}
	}
	return accounts
}

func legID(trade uuid.UUID, leg string) tbtypes.Uint128 {
	return tbtypes.BytesToUint128([16]byte(uuid.NewSHA1(trade, []byte(leg))))
}
