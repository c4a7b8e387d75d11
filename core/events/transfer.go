package events

import (
	"math/big"

	"blockbatch/core/types"
	"blockbatch/crypto"
)

const (
	// TypeTransfer is emitted for every ledger balance movement.
	TypeTransfer = "bank.transfer"
	// TypeMint is emitted when genesis allocations credit an account.
	TypeMint = "bank.mint"
)

// Transfer describes a single committed leg of a ledger payment.
type Transfer struct {
	Token  string
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if token := normalizeAsset(e.Token); token != "" {
		attrs["token"] = token
	}
	attrs["from"] = crypto.AddressFromArray(e.From).String()
	attrs["to"] = crypto.AddressFromArray(e.To).String()
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

// Mint describes a balance credited outside of a transfer.
type Mint struct {
	Token  string
	To     [20]byte
	Amount *big.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	return &types.Event{Type: TypeMint, Attributes: map[string]string{
		"token":  normalizeAsset(e.Token),
		"to":     crypto.AddressFromArray(e.To).String(),
		"amount": formatAmount(e.Amount),
	}}
}
