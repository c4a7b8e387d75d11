package bank

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"blockbatch/core/events"
	"blockbatch/native/escrow"
	"blockbatch/storage"
)

func addr(fill byte) [20]byte {
	var a [20]byte
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

func TestLedgerTransferMultiLeg(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	recorder := &events.Recorder{}
	ledger.SetEmitter(recorder)
	custody, alice, bob := addr(1), addr(2), addr(3)
	require.NoError(t, ledger.Mint("usdc", custody, big.NewInt(1000)))

	err := ledger.Transfer(context.Background(), "USDC",
		escrow.Transfer{From: custody, To: alice, Amount: big.NewInt(600)},
		escrow.Transfer{From: custody, To: bob, Amount: big.NewInt(400)},
	)
	require.NoError(t, err)

	for who, want := range map[[20]byte]int64{custody: 0, alice: 600, bob: 400} {
		got, err := ledger.Balance("usdc", who)
		require.NoError(t, err)
		require.Equal(t, want, got.Int64())
	}
	require.Equal(t, []string{events.TypeMint, events.TypeTransfer, events.TypeTransfer}, recorder.Types())
}

func TestLedgerTransferIsAllOrNothing(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	custody, alice, bob := addr(1), addr(2), addr(3)
	require.NoError(t, ledger.Mint("USDC", custody, big.NewInt(1000)))

	err := ledger.Transfer(context.Background(), "USDC",
		escrow.Transfer{From: custody, To: alice, Amount: big.NewInt(600)},
		escrow.Transfer{From: custody, To: bob, Amount: big.NewInt(401)},
	)
	require.True(t, errors.Is(err, ErrInsufficientBalance))

	got, err := ledger.Balance("USDC", custody)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.Int64())
	got, err = ledger.Balance("USDC", alice)
	require.NoError(t, err)
	require.Zero(t, got.Sign())
}

func TestLedgerRejectsMalformedLegs(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	ctx := context.Background()
	require.ErrorIs(t, ledger.Transfer(ctx, "USDC"), ErrInvalidTransfer)
	require.ErrorIs(t, ledger.Transfer(ctx, " ", escrow.Transfer{From: addr(1), To: addr(2), Amount: big.NewInt(1)}), ErrInvalidTransfer)
	require.ErrorIs(t, ledger.Transfer(ctx, "USDC", escrow.Transfer{From: addr(1), To: addr(2), Amount: big.NewInt(0)}), ErrInvalidTransfer)
	require.ErrorIs(t, ledger.Transfer(ctx, "USDC", escrow.Transfer{From: addr(1), To: addr(1), Amount: big.NewInt(1)}), ErrInvalidTransfer)
	require.ErrorIs(t, ledger.Mint("USDC", addr(1), big.NewInt(-5)), ErrInvalidTransfer)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, ledger.Transfer(canceled, "USDC", escrow.Transfer{From: addr(1), To: addr(2), Amount: big.NewInt(1)}), context.Canceled)
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	ledger := NewLedger(db)
	require.NoError(t, ledger.Mint("USDC", addr(9), big.NewInt(77)))
	db.Close()

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewLedger(db).Balance("USDC", addr(9))
	require.NoError(t, err)
	require.Equal(t, int64(77), got.Int64())
}
