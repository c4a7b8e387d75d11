package bank

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"blockbatch/core/events"
	"blockbatch/storage"
)

var genesisMarkerKey = []byte("bank/genesis/applied")

// Allocation is an opening balance credited by ApplyGenesis.
type Allocation struct {
	Address [20]byte
	Token   string
	Amount  *big.Int
}

// ApplyGenesis credits every allocation in one batch the first time it runs
// against a database. Later calls are no-ops and report false.
func (l *Ledger) ApplyGenesis(allocs []Allocation) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	applied, err := l.db.Has(genesisMarkerKey)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}

	pending := make(map[string]*big.Int)
	minted := make([]events.Mint, 0, len(allocs))
	for i, alloc := range allocs {
		token, err := NormalizeToken(alloc.Token)
		if err != nil {
			return false, fmt.Errorf("allocation %d: %w", i, err)
		}
		if alloc.Amount == nil || alloc.Amount.Sign() <= 0 {
			return false, fmt.Errorf("allocation %d: %w: amount must be positive", i, ErrInvalidTransfer)
		}
		key := string(balanceKey(token, alloc.Address))
		balance, ok := pending[key]
		if !ok {
			if balance, err = l.load([]byte(key)); err != nil {
				return false, err
			}
			pending[key] = balance
		}
		balance.Add(balance, alloc.Amount)
		minted = append(minted, events.Mint{Token: token, To: alloc.Address, Amount: new(big.Int).Set(alloc.Amount)})
	}

	batch := storage.NewBatch()
	for key, balance := range pending {
		encoded, err := rlp.EncodeToBytes(balance)
		if err != nil {
			return false, err
		}
		batch.Put([]byte(key), encoded)
	}
	batch.Put(genesisMarkerKey, []byte{1})
	if err := l.db.Write(batch); err != nil {
		return false, err
	}
	for _, evt := range minted {
		l.emitter.Emit(evt)
	}
	return true, nil
}
