package escrow

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"blockbatch/storage"
)

func sampleEscrow() *Escrow {
	return &Escrow{
		ID:          DeriveID(newTestAddress(1), newTestAddress(2), newTestAddress(3), [32]byte{7}),
		Admin:       newTestAddress(1),
		Depositor:   newTestAddress(2),
		Beneficiary: newTestAddress(3),
		Arbitrator:  newTestAddress(4),
		Custody:     newTestAddress(5),
		Asset:       Asset{Token: "USDC", Symbol: "USDC", Decimals: 6},
		Amount:      new(big.Int).Lsh(big.NewInt(1), 200),
		Conditions: Conditions{
			{Kind: ConditionKindExternalOracle, Description: "oracle", VerificationMethod: "feed", Fulfilled: true},
			{Kind: ConditionKindMultiSig, Description: "sign"},
		},
		TimeoutAt: 1_700_000_500,
		Dispute: &Dispute{
			Initiator: newTestAddress(2),
			Reason:    "late",
			Outcome:   &Outcome{Kind: OutcomePartialRelease, BasisPoints: 4200},
		},
		Status:    StatusResolved,
		CreatedAt: 1_700_000_000,
		UpdatedAt: 1_700_000_100,
	}
}

func TestStoreRoundTripLevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)

	store := NewStore(db)
	record := sampleEscrow()
	require.NoError(t, store.EscrowPut(record))
	db.Close()

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	store = NewStore(db)

	has, err := store.EscrowHas(record.ID)
	require.NoError(t, err)
	require.True(t, has)

	loaded, ok, err := store.EscrowGet(record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.Amount.String(), loaded.Amount.String())
	require.Equal(t, record.Conditions, loaded.Conditions)
	require.Equal(t, record.Dispute, loaded.Dispute)
	require.Equal(t, record.Asset, loaded.Asset)
	require.Equal(t, StatusResolved, loaded.Status)
}

func TestStoreMissingAndNilDispute(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	_, ok, err := store.EscrowGet([32]byte{1})
	require.NoError(t, err)
	require.False(t, ok)

	record := sampleEscrow()
	record.Dispute = nil
	record.Conditions = nil
	record.Status = StatusInitialized
	require.NoError(t, store.EscrowPut(record))

	loaded, ok, err := store.EscrowGet(record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, loaded.Dispute)
	require.NotNil(t, loaded.Conditions)
	require.Empty(t, loaded.Conditions)
}

func TestStoreRejectsInvalidRecords(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	record := sampleEscrow()
	record.Amount = big.NewInt(0)
	require.True(t, errors.Is(store.EscrowPut(record), ErrInvalidAmount))

	record = sampleEscrow()
	record.Custody = record.Depositor
	require.True(t, errors.Is(store.EscrowPut(record), ErrInvalidParties))

	record = sampleEscrow()
	record.Dispute.Active = true
	require.Error(t, store.EscrowPut(record))
}
