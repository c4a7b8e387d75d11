package bank

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blockbatch/native/escrow"
	"blockbatch/storage"
)

type allowAll struct{}

func (allowAll) HasAddress(context.Context, [20]byte) bool { return true }

// failingStager rejects the first staged escrow or agreement write.
type failingStager struct {
	*escrow.Store
	failures int
}

var errDiskFull = errors.New("disk full")

func (f *failingStager) StageEscrow(batch *storage.Batch, record *escrow.Escrow) error {
	if f.failures > 0 {
		f.failures--
		return errDiskFull
	}
	return f.Store.StageEscrow(batch, record)
}

func (f *failingStager) StageAgreement(batch *storage.Batch, agreement *escrow.Agreement) error {
	if f.failures > 0 {
		f.failures--
		return errDiskFull
	}
	return f.Store.StageAgreement(batch, agreement)
}

func TestSettleSkipsWritesWhenStagingFails(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	custody, alice := addr(1), addr(2)
	require.NoError(t, ledger.Mint("USDC", custody, big.NewInt(1000)))

	err := ledger.Settle(context.Background(), "USDC", func(*storage.Batch) error { return errDiskFull },
		escrow.Transfer{From: custody, To: alice, Amount: big.NewInt(400)})
	require.ErrorIs(t, err, errDiskFull)

	got, err := ledger.Balance("USDC", custody)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.Int64())
}

func TestDepositRetryAfterRecordWriteFailureChargesOnce(t *testing.T) {
	db := storage.NewMemDB()
	ledger := NewLedger(db)
	depositor, beneficiary, arbitrator, custody := addr(0x10), addr(0x11), addr(0x12), addr(0x13)
	require.NoError(t, ledger.Mint("USDC", depositor, big.NewInt(5000)))

	store := &failingStager{Store: escrow.NewStore(db), failures: 1}
	engine := escrow.NewEngine()
	engine.SetStore(store)
	engine.SetPayments(ledger)
	engine.SetAuthenticator(allowAll{})
	engine.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })

	esc, err := engine.Initialize(context.Background(), escrow.InitParams{
		Admin:       depositor,
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Arbitrator:  arbitrator,
		Custody:     custody,
		Asset:       escrow.Asset{Token: "USDC", Symbol: "USDC", Decimals: 6},
		Amount:      big.NewInt(1000),
	})
	require.NoError(t, err)

	err = engine.Deposit(context.Background(), esc.ID, depositor, big.NewInt(1000))
	require.ErrorIs(t, err, errDiskFull)
	status, err := engine.Status(esc.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusInitialized, status)
	balance, err := ledger.Balance("USDC", depositor)
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance.Int64())

	require.NoError(t, engine.Deposit(context.Background(), esc.ID, depositor, big.NewInt(1000)))
	status, err = engine.Status(esc.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFunded, status)
	for who, want := range map[[20]byte]int64{depositor: 4000, custody: 1000} {
		got, err := ledger.Balance("USDC", who)
		require.NoError(t, err)
		require.Equal(t, want, got.Int64())
	}
}

func TestMilestoneFundingRetryChargesOnce(t *testing.T) {
	db := storage.NewMemDB()
	ledger := NewLedger(db)
	company, supplier, custody := addr(0x20), addr(0x21), addr(0x22)
	require.NoError(t, ledger.Mint("USDC", company, big.NewInt(3000)))

	store := &failingStager{Store: escrow.NewStore(db)}
	engine := escrow.NewEngine()
	engine.SetStore(store)
	engine.SetPayments(ledger)
	engine.SetAuthenticator(allowAll{})
	engine.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })

	agreement, err := engine.CreateAgreement(context.Background(), escrow.AgreementParams{
		Company:  company,
		Supplier: supplier,
		Custody:  custody,
		Asset:    escrow.Asset{Token: "USDC", Symbol: "USDC", Decimals: 6},
		Order:    escrow.PurchaseOrder{Number: "PO-42", Total: big.NewInt(2000)},
		Milestones: []escrow.Milestone{
			{Description: "tooling", Amount: big.NewInt(2000), DueAt: 1_700_086_400},
		},
	})
	require.NoError(t, err)

	store.failures = 1
	err = engine.FundMilestone(context.Background(), agreement.ID, company, 0)
	require.ErrorIs(t, err, errDiskFull)
	stored, err := engine.GetAgreement(agreement.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestonePending, stored.Milestones[0].Status)

	require.NoError(t, engine.FundMilestone(context.Background(), agreement.ID, company, 0))
	for who, want := range map[[20]byte]int64{company: 1000, custody: 2000} {
		got, err := ledger.Balance("USDC", who)
		require.NoError(t, err)
		require.Equal(t, want, got.Int64())
	}
}
