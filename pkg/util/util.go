package util

import (
	"fmt"
	"math/big"

	tbtypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// AccountID derives the TigerBeetle account of owner on ledger: the ledger
// number in the high 64 bits, the owner in the low 64.
func AccountID(ledger uint32, owner uint64) tbtypes.Uint128 {
	id := new(big.Int).Lsh(new(big.Int).SetUint64(uint64(ledger)), 64)
	id.Or(id, new(big.Int).SetUint64(owner))
	return tbtypes.BigIntToUint128(*id)
}

// SplitAccountID reverses AccountID.
func SplitAccountID(id tbtypes.Uint128) (ledger uint32, owner uint64) {
	bi := id.BigInt()
	owner = new(big.Int).And(&bi, new(big.Int).SetUint64(^uint64(0))).Uint64()
	ledger = uint32(new(big.Int).Rsh(&bi, 64).Uint64())
	return ledger, owner
}

func StringToUint128(s string) (tbtypes.Uint128, error) {
	bi, ok := new(big.Int).SetString(s, 10) // parse decimal string
	if !ok {
		return tbtypes.Uint128{}, fmt.Errorf("invalid uint128 string: %s", s)
	}
	return tbtypes.BigIntToUint128(*bi), nil
}
