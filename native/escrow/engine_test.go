package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"blockbatch/core/events"
	"blockbatch/storage"
)

const testToken = "USDC"

type mockPayments struct {
	balances map[[20]byte]*big.Int
	calls    [][]Transfer
	fail     error
}

func newMockPayments() *mockPayments {
	return &mockPayments{balances: make(map[[20]byte]*big.Int)}
}

func (m *mockPayments) Transfer(_ context.Context, token string, legs ...Transfer) error {
	if m.fail != nil {
		return m.fail
	}
	if token != testToken {
		return fmt.Errorf("unknown token %s", token)
	}
	next := make(map[[20]byte]*big.Int, len(m.balances))
	for addr, bal := range m.balances {
		next[addr] = new(big.Int).Set(bal)
	}
	for _, leg := range legs {
		from := next[leg.From]
		if from == nil || from.Cmp(leg.Amount) < 0 {
			return fmt.Errorf("insufficient balance")
		}
		from.Sub(from, leg.Amount)
		if next[leg.To] == nil {
			next[leg.To] = big.NewInt(0)
		}
		next[leg.To].Add(next[leg.To], leg.Amount)
	}
	m.balances = next
	m.calls = append(m.calls, append([]Transfer(nil), legs...))
	return nil
}

func (m *mockPayments) balance(addr [20]byte) *big.Int {
	if bal := m.balances[addr]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// mockAuth accepts every address in the allow set.
type mockAuth map[[20]byte]bool

func (m mockAuth) HasAddress(_ context.Context, addr [20]byte) bool { return m[addr] }

type fixture struct {
	engine   *Engine
	payments *mockPayments
	auth     mockAuth
	recorder *events.Recorder
	now      time.Time

	admin, depositor, beneficiary, arbitrator, custody [20]byte
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		payments:    newMockPayments(),
		recorder:    &events.Recorder{},
		now:         time.Unix(1_700_000_000, 0),
		admin:       newTestAddress(0x01),
		depositor:   newTestAddress(0x02),
		beneficiary: newTestAddress(0x03),
		arbitrator:  newTestAddress(0x04),
		custody:     newTestAddress(0x05),
	}
	f.auth = mockAuth{f.admin: true, f.depositor: true, f.beneficiary: true, f.arbitrator: true}
	f.payments.balances[f.depositor] = big.NewInt(5000)

	f.engine = NewEngine()
	f.engine.SetStore(NewStore(storage.NewMemDB()))
	f.engine.SetPayments(f.payments)
	f.engine.SetAuthenticator(f.auth)
	f.engine.SetEmitter(f.recorder)
	f.engine.SetNowFunc(func() time.Time { return f.now })
	return f
}

func (f *fixture) params(amount int64) InitParams {
	return InitParams{
		Admin:          f.admin,
		Depositor:      f.depositor,
		Beneficiary:    f.beneficiary,
		Arbitrator:     f.arbitrator,
		Custody:        f.custody,
		Asset:          Asset{Token: testToken, Symbol: "USDC", Decimals: 6},
		Amount:         big.NewInt(amount),
		TimeoutLedgers: 100,
	}
}

func (f *fixture) initialize(t *testing.T, amount int64) [32]byte {
	t.Helper()
	esc, err := f.engine.Initialize(context.Background(), f.params(amount))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return esc.ID
}

func (f *fixture) funded(t *testing.T, amount int64) [32]byte {
	t.Helper()
	id := f.initialize(t, amount)
	if err := f.engine.Deposit(context.Background(), id, f.depositor, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return id
}

func (f *fixture) status(t *testing.T, id [32]byte) Status {
	t.Helper()
	status, err := f.engine.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return status
}

func (f *fixture) requireConserved(t *testing.T) {
	t.Helper()
	total := new(big.Int)
	for _, addr := range [][20]byte{f.depositor, f.beneficiary, f.custody} {
		total.Add(total, f.payments.balance(addr))
	}
	if total.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected total supply 5000, got %s", total)
	}
}

func requireErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func TestReleaseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.funded(t, 1000)

	if f.status(t, id) != StatusFunded {
		t.Fatalf("expected funded")
	}
	if got := f.payments.balance(f.custody); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected custody 1000, got %s", got)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Kind: ConditionKindManualVerification, Description: fmt.Sprintf("milestone %d", i)}); err != nil {
			t.Fatalf("add condition %d: %v", i, err)
		}
	}
	if err := f.engine.VerifyCondition(ctx, id, f.arbitrator, 0); err != nil {
		t.Fatalf("verify 0: %v", err)
	}
	if f.status(t, id) != StatusFunded {
		t.Fatalf("expected funded while a condition is pending")
	}
	requireErr(t, f.engine.Release(ctx, id, f.arbitrator), ErrConditionsNotMet)

	if err := f.engine.VerifyCondition(ctx, id, f.arbitrator, 1); err != nil {
		t.Fatalf("verify 1: %v", err)
	}
	if f.status(t, id) != StatusConditionsMet {
		t.Fatalf("expected conditions met")
	}
	if err := f.engine.Release(ctx, id, f.arbitrator); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.status(t, id) != StatusReleased {
		t.Fatalf("expected released")
	}
	if got := f.payments.balance(f.beneficiary); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected beneficiary 1000, got %s", got)
	}
	if got := f.payments.balance(f.custody); got.Sign() != 0 {
		t.Fatalf("expected empty custody, got %s", got)
	}
	f.requireConserved(t)

	want := []string{
		EventTypeEscrowCreated,
		EventTypeEscrowFunded,
		EventTypeEscrowConditionAdded,
		EventTypeEscrowConditionAdded,
		EventTypeEscrowConditionVerified,
		EventTypeEscrowConditionVerified,
		EventTypeEscrowConditionsMet,
		EventTypeEscrowReleased,
	}
	got := f.recorder.Types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestDisputeScenarioSplitsEvenly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.funded(t, 1000)

	if err := f.engine.InitiateDispute(ctx, id, f.depositor, "goods not delivered"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if f.status(t, id) != StatusInDispute {
		t.Fatalf("expected in dispute")
	}
	requireErr(t, f.engine.Release(ctx, id, f.arbitrator), ErrDisputeInProgress)
	requireErr(t, f.engine.Refund(ctx, id, f.arbitrator), ErrDisputeInProgress)
	requireErr(t, f.engine.InitiateDispute(ctx, id, f.beneficiary, "again"), ErrDisputeInProgress)

	if err := f.engine.ResolveDispute(ctx, id, f.arbitrator, Outcome{Kind: OutcomePartialRelease, BasisPoints: 5000}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.status(t, id) != StatusResolved {
		t.Fatalf("expected resolved")
	}
	if got := f.payments.balance(f.beneficiary); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected beneficiary 500, got %s", got)
	}
	if got := f.payments.balance(f.depositor); got.Cmp(big.NewInt(4500)) != 0 {
		t.Fatalf("expected depositor 4500, got %s", got)
	}
	f.requireConserved(t)

	if len(f.payments.calls) != 2 || len(f.payments.calls[1]) != 2 {
		t.Fatalf("expected resolution to issue one two-leg payment, got %+v", f.payments.calls)
	}
	esc, err := f.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Dispute == nil || esc.Dispute.Active || esc.Dispute.Outcome == nil || esc.Dispute.Outcome.BasisPoints != 5000 {
		t.Fatalf("unexpected dispute record %+v", esc.Dispute)
	}
	if esc.Dispute.Initiator != f.depositor || esc.Dispute.Reason != "goods not delivered" {
		t.Fatalf("dispute metadata lost: %+v", esc.Dispute)
	}
	requireErr(t, f.engine.ResolveDispute(ctx, id, f.arbitrator, Outcome{Kind: OutcomeRefundToDepositor}), ErrNoDispute)
}

func TestResolveOutcomesConserveAmount(t *testing.T) {
	cases := []struct {
		name        string
		outcome     Outcome
		beneficiary int64
		calls       int
	}{
		{"release", Outcome{Kind: OutcomeReleaseToBeneficiary}, 999, 1},
		{"refund", Outcome{Kind: OutcomeRefundToDepositor}, 0, 1},
		{"partial", Outcome{Kind: OutcomePartialRelease, BasisPoints: 3333}, 332, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id := f.funded(t, 999)
			if err := f.engine.InitiateDispute(ctx, id, f.beneficiary, "late"); err != nil {
				t.Fatalf("dispute: %v", err)
			}
			if err := f.engine.ResolveDispute(ctx, id, f.arbitrator, tc.outcome); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got := f.payments.balance(f.beneficiary); got.Cmp(big.NewInt(tc.beneficiary)) != 0 {
				t.Fatalf("expected beneficiary %d, got %s", tc.beneficiary, got)
			}
			if got := f.payments.balance(f.custody); got.Sign() != 0 {
				t.Fatalf("custody retained %s", got)
			}
			f.requireConserved(t)
			// deposit + resolution; zero legs are never sent
			legs := 0
			for _, call := range f.payments.calls[1:] {
				legs += len(call)
			}
			if legs != tc.calls {
				t.Fatalf("expected %d resolution legs, got %d", tc.calls, legs)
			}
		})
	}
}

func TestResolveRejectsBadRatioBeforePaying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.funded(t, 1000)
	if err := f.engine.InitiateDispute(ctx, id, f.depositor, "x"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	for _, bps := range []uint32{0, 10_000, 20_000} {
		err := f.engine.ResolveDispute(ctx, id, f.arbitrator, Outcome{Kind: OutcomePartialRelease, BasisPoints: bps})
		requireErr(t, err, ErrInvalidAmount)
	}
	if len(f.payments.calls) != 1 {
		t.Fatalf("expected no payment beyond the deposit")
	}
	if f.status(t, id) != StatusInDispute {
		t.Fatalf("expected dispute to remain open")
	}
}

func TestInitializeOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initialize(t, 1000)

	_, err := f.engine.Initialize(ctx, f.params(1000))
	requireErr(t, err, ErrUnauthorized)

	params := f.params(1000)
	params.Salt[0] = 1
	if _, err := f.engine.Initialize(ctx, params); err != nil {
		t.Fatalf("distinct salt should create a new escrow: %v", err)
	}
}

func TestInitializeValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tooWide := new(big.Int).Lsh(big.NewInt(1), 256)
	cases := []struct {
		name   string
		mutate func(*InitParams)
		want   error
	}{
		{"zero amount", func(p *InitParams) { p.Amount = big.NewInt(0) }, ErrInvalidAmount},
		{"negative amount", func(p *InitParams) { p.Amount = big.NewInt(-1) }, ErrInvalidAmount},
		{"nil amount", func(p *InitParams) { p.Amount = nil }, ErrInvalidAmount},
		{"wide amount", func(p *InitParams) { p.Amount = tooWide }, ErrInvalidAmount},
		{"zero arbitrator", func(p *InitParams) { p.Arbitrator = [20]byte{} }, ErrInvalidParties},
		{"shared identity", func(p *InitParams) { p.Custody = p.Beneficiary }, ErrInvalidParties},
		{"missing token", func(p *InitParams) { p.Asset.Token = " " }, ErrInvalidAsset},
		{"token with separator", func(p *InitParams) { p.Asset.Token = "usdc/eth" }, ErrInvalidAsset},
		{"admin not authenticated", func(p *InitParams) { p.Admin = newTestAddress(0x09) }, ErrUnauthorized},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := f.params(1000)
			params.Salt[31] = byte(i + 1)
			tc.mutate(&params)
			_, err := f.engine.Initialize(ctx, params)
			requireErr(t, err, tc.want)
		})
	}
}

func TestInitializeTimeoutUsesLedgerInterval(t *testing.T) {
	f := newFixture(t)
	f.engine.SetLedgerInterval(6 * time.Second)
	esc, err := f.engine.Initialize(context.Background(), f.params(10))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if want := uint64(f.now.Unix()) + 600; esc.TimeoutAt != want {
		t.Fatalf("expected timeout %d, got %d", want, esc.TimeoutAt)
	}
}

func TestDepositValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.initialize(t, 1000)

	requireErr(t, f.engine.Deposit(ctx, id, f.beneficiary, big.NewInt(1000)), ErrUnauthorized)
	requireErr(t, f.engine.Deposit(ctx, id, f.depositor, big.NewInt(999)), ErrInvalidAmount)

	f.payments.fail = errors.New("ledger offline")
	err := f.engine.Deposit(ctx, id, f.depositor, big.NewInt(1000))
	requireErr(t, err, ErrPaymentFailed)
	if f.status(t, id) != StatusInitialized {
		t.Fatalf("payment failure must not mutate the record")
	}
	if len(f.recorder.Types()) != 1 {
		t.Fatalf("payment failure must not emit, got %v", f.recorder.Types())
	}

	f.payments.fail = nil
	if err := f.engine.Deposit(ctx, id, f.depositor, big.NewInt(1000)); err != nil {
		t.Fatalf("retry deposit: %v", err)
	}
	requireErr(t, f.engine.Deposit(ctx, id, f.depositor, big.NewInt(1000)), ErrInvalidStatus)
}

func TestAuthenticationPrecedesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.initialize(t, 1000)
	stranger := newTestAddress(0x0F)
	f.auth[stranger] = true

	// Every call below would also fail status or input validation.
	requireErr(t, f.engine.Release(ctx, id, stranger), ErrUnauthorized)
	requireErr(t, f.engine.Refund(ctx, id, stranger), ErrUnauthorized)
	requireErr(t, f.engine.VerifyCondition(ctx, id, stranger, 7), ErrUnauthorized)
	requireErr(t, f.engine.ResolveDispute(ctx, id, stranger, Outcome{}), ErrUnauthorized)
	requireErr(t, f.engine.InitiateDispute(ctx, id, f.arbitrator, "x"), ErrUnauthorized)
	requireErr(t, f.engine.Deposit(ctx, id, stranger, big.NewInt(1)), ErrUnauthorized)
	_, err := f.engine.AddCondition(ctx, id, stranger, Condition{Fulfilled: true})
	requireErr(t, err, ErrUnauthorized)

	// The right identity that fails the gate is still rejected.
	delete(f.auth, f.arbitrator)
	requireErr(t, f.engine.Release(ctx, id, f.arbitrator), ErrUnauthorized)

	var missing [32]byte
	requireErr(t, f.engine.Release(ctx, missing, stranger), ErrNotInitialized)
	_, err = f.engine.Status(missing)
	requireErr(t, err, ErrNotInitialized)
}

func TestAddConditionRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.initialize(t, 1000)

	_, err := f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Kind: ConditionKindTimeBased, Description: "x", Fulfilled: true})
	requireErr(t, err, ErrInvalidCondition)
	_, err = f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Description: "no kind"})
	requireErr(t, err, ErrInvalidCondition)

	index, err := f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Kind: ConditionKindExternalOracle, Description: "oracle", VerificationMethod: "price-feed"})
	if err != nil || index != 0 {
		t.Fatalf("expected index 0, got %d (%v)", index, err)
	}
	// Conditions may be added before funding but only verified after.
	requireErr(t, f.engine.VerifyCondition(ctx, id, f.arbitrator, 0), ErrInvalidStatus)

	if err := f.engine.Deposit(ctx, id, f.depositor, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.VerifyCondition(ctx, id, f.arbitrator, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}
	requireErr(t, f.engine.VerifyCondition(ctx, id, f.arbitrator, 0), ErrAlreadyFulfilled)
	requireErr(t, f.engine.VerifyCondition(ctx, id, f.arbitrator, 1), ErrInvalidCondition)
	_, err = f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Kind: ConditionKindMultiSig, Description: "late"})
	requireErr(t, err, ErrInvalidStatus)
}

func TestVerifyOnEmptyRegistryNeverMeetsConditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.funded(t, 1000)

	requireErr(t, f.engine.VerifyCondition(ctx, id, f.arbitrator, 0), ErrInvalidCondition)
	if f.status(t, id) != StatusFunded {
		t.Fatalf("empty registry must not reach conditions met")
	}
	requireErr(t, f.engine.Release(ctx, id, f.arbitrator), ErrConditionsNotMet)
}

func TestRefundHonoursTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.funded(t, 1000)
	esc, err := f.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	f.now = time.Unix(int64(esc.TimeoutAt)-1, 0)
	requireErr(t, f.engine.Refund(ctx, id, f.arbitrator), ErrTimeoutNotReached)

	f.now = time.Unix(int64(esc.TimeoutAt), 0)
	if err := f.engine.Refund(ctx, id, f.arbitrator); err != nil {
		t.Fatalf("refund at timeout: %v", err)
	}
	if f.status(t, id) != StatusRefunded {
		t.Fatalf("expected refunded")
	}
	if got := f.payments.balance(f.depositor); got.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected depositor made whole, got %s", got)
	}
	requireErr(t, f.engine.Refund(ctx, id, f.arbitrator), ErrNotFunded)
	f.requireConserved(t)
}

func TestRefundRequiresFunding(t *testing.T) {
	f := newFixture(t)
	id := f.initialize(t, 1000)
	f.now = f.now.Add(24 * time.Hour)
	requireErr(t, f.engine.Refund(context.Background(), id, f.arbitrator), ErrNotFunded)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	ctx := context.Background()
	terminal := map[string]func(*testing.T, *fixture) [32]byte{
		"released": func(t *testing.T, f *fixture) [32]byte {
			id := f.funded(t, 100)
			if _, err := f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Kind: ConditionKindTimeBased, Description: "d"}); err != nil {
				t.Fatal(err)
			}
			if err := f.engine.VerifyCondition(ctx, id, f.arbitrator, 0); err != nil {
				t.Fatal(err)
			}
			if err := f.engine.Release(ctx, id, f.arbitrator); err != nil {
				t.Fatal(err)
			}
			return id
		},
		"refunded": func(t *testing.T, f *fixture) [32]byte {
			id := f.funded(t, 100)
			f.now = f.now.Add(time.Hour)
			if err := f.engine.Refund(ctx, id, f.arbitrator); err != nil {
				t.Fatal(err)
			}
			return id
		},
		"resolved": func(t *testing.T, f *fixture) [32]byte {
			id := f.funded(t, 100)
			if err := f.engine.InitiateDispute(ctx, id, f.beneficiary, "r"); err != nil {
				t.Fatal(err)
			}
			if err := f.engine.ResolveDispute(ctx, id, f.arbitrator, Outcome{Kind: OutcomeReleaseToBeneficiary}); err != nil {
				t.Fatal(err)
			}
			return id
		},
	}
	for name, drive := range terminal {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			id := drive(t, f)
			before := f.status(t, id)
			if !before.Terminal() {
				t.Fatalf("expected terminal status, got %s", before)
			}
			calls := len(f.payments.calls)

			attempts := []error{
				f.engine.Deposit(ctx, id, f.depositor, big.NewInt(100)),
				f.engine.VerifyCondition(ctx, id, f.arbitrator, 0),
				f.engine.Release(ctx, id, f.arbitrator),
				f.engine.Refund(ctx, id, f.arbitrator),
				f.engine.InitiateDispute(ctx, id, f.depositor, "again"),
				f.engine.ResolveDispute(ctx, id, f.arbitrator, Outcome{Kind: OutcomeRefundToDepositor}),
			}
			_, addErr := f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Kind: ConditionKindTimeBased, Description: "d"})
			attempts = append(attempts, addErr)
			for i, err := range attempts {
				if err == nil {
					t.Fatalf("attempt %d unexpectedly succeeded", i)
				}
			}
			if f.status(t, id) != before || len(f.payments.calls) != calls {
				t.Fatalf("terminal escrow mutated")
			}
			f.requireConserved(t)
		})
	}
}

func TestDisputeRequiresFundedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.initialize(t, 1000)
	requireErr(t, f.engine.InitiateDispute(ctx, id, f.depositor, "early"), ErrInvalidStatus)

	delete(f.auth, f.beneficiary)
	requireErr(t, f.engine.InitiateDispute(ctx, id, f.beneficiary, "spoofed"), ErrUnauthorized)
}

func TestDisputeAfterConditionsMet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.funded(t, 1000)
	if _, err := f.engine.AddCondition(ctx, id, f.arbitrator, Condition{Kind: ConditionKindManualVerification, Description: "ship"}); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.VerifyCondition(ctx, id, f.arbitrator, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.InitiateDispute(ctx, id, f.beneficiary, "damaged"); err != nil {
		t.Fatalf("dispute after conditions met: %v", err)
	}
	requireErr(t, f.engine.Release(ctx, id, f.arbitrator), ErrDisputeInProgress)
}

func TestResolvePaymentFailureLeavesDisputeOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.funded(t, 1000)
	if err := f.engine.InitiateDispute(ctx, id, f.depositor, "x"); err != nil {
		t.Fatal(err)
	}
	f.payments.fail = errors.New("boom")
	requireErr(t, f.engine.ResolveDispute(ctx, id, f.arbitrator, Outcome{Kind: OutcomePartialRelease, BasisPoints: 1}), ErrPaymentFailed)
	esc, err := f.engine.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !esc.DisputeActive() || esc.Status != StatusInDispute || esc.Dispute.Outcome != nil {
		t.Fatalf("failed resolution mutated record: %+v", esc)
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Initialize(context.Background(), InitParams{}); !errors.Is(err, errNilStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
	engine.SetStore(NewStore(storage.NewMemDB()))
	if err := engine.Release(context.Background(), [32]byte{}, [20]byte{}); !errors.Is(err, errNilPayments) {
		t.Fatalf("expected missing payments error, got %v", err)
	}
}

func TestDeriveIDIsDeterministic(t *testing.T) {
	a, b, c := newTestAddress(1), newTestAddress(2), newTestAddress(3)
	var salt [32]byte
	if DeriveID(a, b, c, salt) != DeriveID(a, b, c, salt) {
		t.Fatalf("expected stable identifier")
	}
	salt[0] = 1
	if DeriveID(a, b, c, salt) == DeriveID(a, b, c, [32]byte{}) {
		t.Fatalf("salt must change the identifier")
	}
	if DeriveID(b, a, c, [32]byte{}) == DeriveID(a, b, c, [32]byte{}) {
		t.Fatalf("role order must change the identifier")
	}
}
