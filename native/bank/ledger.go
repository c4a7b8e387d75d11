package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"blockbatch/core/events"
	"blockbatch/native/escrow"
	"blockbatch/storage"
)

var (
	// ErrInsufficientBalance is returned when a leg would overdraw its source.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidTransfer reports a malformed token or leg.
	ErrInvalidTransfer = errors.New("bank: invalid transfer")

	balancePrefix = []byte("bank/balance/")
)

var _ escrow.Settler = (*Ledger)(nil)

// Ledger keeps per-token balances in a key/value database. Every payment is
// written as a single batch so multi-leg transfers commit atomically.
type Ledger struct {
	mu      sync.Mutex
	db      storage.Database
	emitter events.Emitter
}

// NewLedger returns a ledger over db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db, emitter: events.NoopEmitter{}}
}

// SetEmitter configures where transfer notifications are sent.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// NormalizeToken canonicalises a token identifier.
func NormalizeToken(token string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return "", fmt.Errorf("%w: token required", ErrInvalidTransfer)
	}
	if strings.ContainsRune(normalized, '/') {
		return "", fmt.Errorf("%w: token %q contains '/'", ErrInvalidTransfer, token)
	}
	return normalized, nil
}

func balanceKey(token string, addr [20]byte) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(token)+1+len(addr))
	key = append(key, balancePrefix...)
	key = append(key, token...)
	key = append(key, '/')
	return append(key, addr[:]...)
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(raw, balance); err != nil {
		return nil, fmt.Errorf("bank: decode balance: %w", err)
	}
	return balance, nil
}

// Balance returns the balance of addr in token.
func (l *Ledger) Balance(token string, addr [20]byte) (*big.Int, error) {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(balanceKey(normalized, addr))
}

// Mint credits amount to addr. It is used to seed genesis allocations.
func (l *Ledger) Mint(token string, addr [20]byte, amount *big.Int) error {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: mint amount must be positive", ErrInvalidTransfer)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey(normalized, addr)
	balance, err := l.load(key)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	if err := l.db.Put(key, encoded); err != nil {
		return err
	}
	l.emitter.Emit(events.Mint{Token: normalized, To: addr, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer applies every leg or none of them. Legs are applied in order, so
// a later leg may spend funds credited by an earlier one.
func (l *Ledger) Transfer(ctx context.Context, token string, legs ...escrow.Transfer) error {
	return l.Settle(ctx, token, nil, legs...)
}

// Settle applies the legs like Transfer and commits stage's writes in the
// same batch. If stage fails nothing is written.
func (l *Ledger) Settle(ctx context.Context, token string, stage func(*storage.Batch) error, legs ...escrow.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if len(legs) == 0 {
		return fmt.Errorf("%w: no legs", ErrInvalidTransfer)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := storage.NewBatch()
	if err := l.stageLegs(batch, normalized, legs); err != nil {
		return err
	}
	if stage != nil {
		if err := stage(batch); err != nil {
			return err
		}
	}
	if err := l.db.Write(batch); err != nil {
		return err
	}
	for _, leg := range legs {
		l.emitter.Emit(events.Transfer{Token: normalized, From: leg.From, To: leg.To, Amount: new(big.Int).Set(leg.Amount)})
	}
	return nil
}

func (l *Ledger) stageLegs(batch *storage.Batch, token string, legs []escrow.Transfer) error {
	pending := make(map[[20]byte]*big.Int)
	balanceOf := func(addr [20]byte) (*big.Int, error) {
		if balance, ok := pending[addr]; ok {
			return balance, nil
		}
		balance, err := l.load(balanceKey(token, addr))
		if err != nil {
			return nil, err
		}
		pending[addr] = balance
		return balance, nil
	}
	for i, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: leg %d amount must be positive", ErrInvalidTransfer, i)
		}
		if leg.From == leg.To {
			return fmt.Errorf("%w: leg %d is a self transfer", ErrInvalidTransfer, i)
		}
		from, err := balanceOf(leg.From)
		if err != nil {
			return err
		}
		if from.Cmp(leg.Amount) < 0 {
			return fmt.Errorf("%w: leg %d needs %s, have %s", ErrInsufficientBalance, i, leg.Amount, from)
		}
		to, err := balanceOf(leg.To)
		if err != nil {
			return err
		}
		from.Sub(from, leg.Amount)
		to.Add(to, leg.Amount)
	}
	for addr, balance := range pending {
		encoded, err := rlp.EncodeToBytes(balance)
		if err != nil {
			return err
		}
		batch.Put(balanceKey(token, addr), encoded)
	}
	return nil
}
