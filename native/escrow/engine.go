package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockbatch/core/events"
	"blockbatch/core/types"
	"blockbatch/storage"
)

// DefaultLedgerInterval converts a timeout expressed in ledgers to wall time.
const DefaultLedgerInterval = 5 * time.Second

var (
	errNilStore         = errors.New("escrow engine: record store not configured")
	errNilPayments      = errors.New("escrow engine: payments not configured")
	errNilAuthenticator = errors.New("escrow engine: authenticator not configured")
	escrowIDDomain      = []byte("blockbatch/escrow/v1")
)

// Authenticator proves that the current caller controls an identity.
type Authenticator interface {
	HasAddress(ctx context.Context, addr [20]byte) bool
}

// Transfer is a single leg of a payment.
type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

// Payments moves tokens between identities. All legs of a call commit
// together or not at all.
type Payments interface {
	Transfer(ctx context.Context, token string, legs ...Transfer) error
}

// Settler is a payment capability that commits the legs together with
// writes staged by the caller. Staged writes land in the settler's database,
// so the record store must share it.
type Settler interface {
	Payments
	Settle(ctx context.Context, token string, stage func(*storage.Batch) error, legs ...Transfer) error
}

// RecordStager queues a record write on a pending batch instead of
// committing it.
type RecordStager interface {
	StageEscrow(batch *storage.Batch, record *Escrow) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// InitParams describes a new escrow. The identifier is derived from the
// admin, depositor, beneficiary and salt.
type InitParams struct {
	Admin          [20]byte
	Depositor      [20]byte
	Beneficiary    [20]byte
	Arbitrator     [20]byte
	Custody        [20]byte
	Asset          Asset
	Amount         *big.Int
	TimeoutLedgers uint32
	Salt           [32]byte
}

// DeriveID computes the deterministic escrow identifier for the parameters.
func DeriveID(admin, depositor, beneficiary [20]byte, salt [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(escrowIDDomain, admin[:], depositor[:], beneficiary[:], salt[:])
}

// Engine drives the escrow lifecycle against a record store, a payment
// capability and an authenticator. Mutating operations are serialised.
type Engine struct {
	mu             sync.Mutex
	store          RecordStore
	agreements     AgreementStore
	payments       Payments
	auth           Authenticator
	emitter        events.Emitter
	logger         *slog.Logger
	nowFn          func() time.Time
	ledgerInterval time.Duration
}

// NewEngine creates an escrow engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter:        events.NoopEmitter{},
		logger:         slog.Default(),
		nowFn:          time.Now,
		ledgerInterval: DefaultLedgerInterval,
	}
}

// SetStore configures the record store.
func (e *Engine) SetStore(store RecordStore) { e.store = store }

// SetPayments configures the payment capability.
func (e *Engine) SetPayments(payments Payments) { e.payments = payments }

// SetAuthenticator configures the authentication gate.
func (e *Engine) SetAuthenticator(auth Authenticator) { e.auth = auth }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the structured logger. Nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetLedgerInterval sets the wall time represented by one ledger. Values
// below one second fall back to the default.
func (e *Engine) SetLedgerInterval(interval time.Duration) {
	if interval < time.Second {
		interval = DefaultLedgerInterval
	}
	e.ledgerInterval = interval
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return uint64(e.nowFn().Unix())
}

func (e *Engine) ready() error {
	switch {
	case e.store == nil:
		return errNilStore
	case e.payments == nil:
		return errNilPayments
	case e.auth == nil:
		return errNilAuthenticator
	}
	return nil
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	record, ok, err := e.store.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrNotInitialized, id)
	}
	return record, nil
}

// storeEscrow stamps and persists a record that moved no funds.
func (e *Engine) storeEscrow(esc *Escrow) error {
	esc.UpdatedAt = e.now()
	return e.store.EscrowPut(esc)
}

// authorize requires caller to be the expected role holder and to pass the
// authentication gate.
func (e *Engine) authorize(ctx context.Context, caller, expected [20]byte, role string) error {
	if caller != expected {
		return fmt.Errorf("%w: caller is not the %s", ErrUnauthorized, role)
	}
	if !e.auth.HasAddress(ctx, caller) {
		return fmt.Errorf("%w: %s did not authenticate", ErrUnauthorized, role)
	}
	return nil
}

// settle pays the legs and persists esc.
func (e *Engine) settle(ctx context.Context, esc *Escrow, legs ...Transfer) error {
	esc.UpdatedAt = e.now()
	var stage func(*storage.Batch) error
	if stager, ok := e.store.(RecordStager); ok {
		stage = func(batch *storage.Batch) error { return stager.StageEscrow(batch, esc) }
	}
	return e.commit(ctx, esc.Asset.Token, legs, stage, func() error { return e.store.EscrowPut(esc) },
		slog.String("id", fmt.Sprintf("%x", esc.ID)), slog.String("status", esc.Status.String()))
}

// commit pays the legs and persists a record. When the payments support
// batching and stage is set, the balances and the record commit in one
// write, so a failure leaves neither applied. Otherwise the payment commits
// first and put runs after it. Zero-value legs are skipped.
func (e *Engine) commit(ctx context.Context, token string, legs []Transfer, stage func(*storage.Batch) error, put func() error, attrs ...any) error {
	nonzero := legs[:0:0]
	for _, leg := range legs {
		if leg.Amount != nil && leg.Amount.Sign() > 0 {
			nonzero = append(nonzero, leg)
		}
	}
	if len(nonzero) == 0 {
		return put()
	}
	settler, canSettle := e.payments.(Settler)
	if !canSettle || stage == nil {
		if err := e.payments.Transfer(ctx, token, nonzero...); err != nil {
			return fmt.Errorf("%w: %w", ErrPaymentFailed, err)
		}
		if err := put(); err != nil {
			e.logger.Error("record write failed after payment", append(attrs, slog.Any("error", err))...)
			return err
		}
		return nil
	}

	var stageErr error
	err := settler.Settle(ctx, token, func(batch *storage.Batch) error {
		stageErr = stage(batch)
		return stageErr
	}, nonzero...)
	if stageErr != nil {
		return stageErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	return nil
}

// Initialize creates a new escrow in the Initialized state. Only the admin
// named in the parameters may call it, and only once per identifier.
func (e *Engine) Initialize(ctx context.Context, params InitParams) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := DeriveID(params.Admin, params.Depositor, params.Beneficiary, params.Salt)
	exists, err := e.store.EscrowHas(id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: escrow %x already initialized", ErrUnauthorized, id)
	}
	if !e.auth.HasAddress(ctx, params.Admin) {
		return nil, fmt.Errorf("%w: admin did not authenticate", ErrUnauthorized)
	}
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if params.Amount.BitLen() > 256 {
		return nil, fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}
	if err := validateParties(params.Admin, params.Depositor, params.Beneficiary, params.Arbitrator, params.Custody); err != nil {
		return nil, err
	}
	if err := params.Asset.Validate(); err != nil {
		return nil, err
	}

	now := e.now()
	esc := &Escrow{
		ID:          id,
		Admin:       params.Admin,
		Depositor:   params.Depositor,
		Beneficiary: params.Beneficiary,
		Arbitrator:  params.Arbitrator,
		Custody:     params.Custody,
		Asset:       params.Asset,
		Amount:      new(big.Int).Set(params.Amount),
		Conditions:  Conditions{},
		TimeoutAt:   now + uint64(params.TimeoutLedgers)*uint64(e.ledgerInterval/time.Second),
		Status:      StatusInitialized,
		CreatedAt:   now,
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Deposit moves the escrowed amount from the depositor into custody.
func (e *Engine) Deposit(ctx context.Context, id [32]byte, depositor [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, depositor, esc.Depositor, "depositor"); err != nil {
		return err
	}
	if esc.Status != StatusInitialized {
		return fmt.Errorf("%w: cannot deposit in status %s", ErrInvalidStatus, esc.Status)
	}
	if amount == nil || amount.Cmp(esc.Amount) != 0 {
		return fmt.Errorf("%w: deposit must equal %s", ErrInvalidAmount, esc.Amount)
	}
	esc.Status = StatusFunded
	if err := e.settle(ctx, esc, Transfer{From: esc.Depositor, To: esc.Custody, Amount: esc.Amount}); err != nil {
		return err
	}
	e.emit(NewFundedEvent(esc))
	return nil
}

// AddCondition appends a release condition and returns its index.
func (e *Engine) AddCondition(ctx context.Context, id [32]byte, arbitrator [20]byte, cond Condition) (uint32, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	if err := e.authorize(ctx, arbitrator, esc.Arbitrator, "arbitrator"); err != nil {
		return 0, err
	}
	if esc.Status != StatusInitialized && esc.Status != StatusFunded {
		return 0, fmt.Errorf("%w: cannot add conditions in status %s", ErrInvalidStatus, esc.Status)
	}
	index, err := esc.Conditions.Append(cond)
	if err != nil {
		return 0, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return 0, err
	}
	e.emit(NewConditionAddedEvent(esc, index, cond))
	return index, nil
}

// VerifyCondition marks the condition at index fulfilled. Once every
// condition is fulfilled the escrow moves to ConditionsMet.
func (e *Engine) VerifyCondition(ctx context.Context, id [32]byte, arbitrator [20]byte, index uint32) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, arbitrator, esc.Arbitrator, "arbitrator"); err != nil {
		return err
	}
	if esc.Status != StatusFunded && esc.Status != StatusConditionsMet {
		return fmt.Errorf("%w: cannot verify conditions in status %s", ErrInvalidStatus, esc.Status)
	}
	// An empty registry fails here, so it never reaches the vacuous
	// AllFulfilled below.
	if err := esc.Conditions.MarkFulfilled(index); err != nil {
		return err
	}
	met := esc.Conditions.AllFulfilled()
	if met {
		esc.Status = StatusConditionsMet
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewConditionVerifiedEvent(esc, index))
	if met {
		e.emit(NewConditionsMetEvent(esc))
	}
	return nil
}

// Release pays the full amount from custody to the beneficiary.
func (e *Engine) Release(ctx context.Context, id [32]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, caller, esc.Arbitrator, "arbitrator"); err != nil {
		return err
	}
	if esc.DisputeActive() {
		return fmt.Errorf("%w: release blocked", ErrDisputeInProgress)
	}
	if esc.Status != StatusConditionsMet {
		return fmt.Errorf("%w: status %s", ErrConditionsNotMet, esc.Status)
	}
	esc.Status = StatusReleased
	if err := e.settle(ctx, esc, Transfer{From: esc.Custody, To: esc.Beneficiary, Amount: esc.Amount}); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc))
	return nil
}

// Refund returns the full amount from custody to the depositor once the
// timeout has passed.
func (e *Engine) Refund(ctx context.Context, id [32]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, caller, esc.Arbitrator, "arbitrator"); err != nil {
		return err
	}
	if esc.DisputeActive() {
		return fmt.Errorf("%w: refund blocked", ErrDisputeInProgress)
	}
	if esc.Status != StatusFunded {
		return fmt.Errorf("%w: status %s", ErrNotFunded, esc.Status)
	}
	if now := e.now(); now < esc.TimeoutAt {
		return fmt.Errorf("%w: %d seconds remaining", ErrTimeoutNotReached, esc.TimeoutAt-now)
	}
	esc.Status = StatusRefunded
	if err := e.settle(ctx, esc, Transfer{From: esc.Custody, To: esc.Depositor, Amount: esc.Amount}); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc))
	return nil
}

// InitiateDispute opens a dispute on behalf of the depositor or beneficiary.
func (e *Engine) InitiateDispute(ctx context.Context, id [32]byte, initiator [20]byte, reason string) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if initiator != esc.Depositor && initiator != esc.Beneficiary {
		return fmt.Errorf("%w: only the depositor or beneficiary may dispute", ErrUnauthorized)
	}
	if !e.auth.HasAddress(ctx, initiator) {
		return fmt.Errorf("%w: initiator did not authenticate", ErrUnauthorized)
	}
	if esc.DisputeActive() {
		return fmt.Errorf("%w: dispute already open", ErrDisputeInProgress)
	}
	if esc.Status != StatusFunded && esc.Status != StatusConditionsMet {
		return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidStatus, esc.Status)
	}
	esc.Dispute = &Dispute{Initiator: initiator, Reason: reason, Active: true}
	esc.Status = StatusInDispute
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc))
	return nil
}

// ResolveDispute settles an active dispute. The beneficiary and depositor
// legs are issued as a single payment.
func (e *Engine) ResolveDispute(ctx context.Context, id [32]byte, arbitrator [20]byte, outcome Outcome) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, arbitrator, esc.Arbitrator, "arbitrator"); err != nil {
		return err
	}
	if !esc.DisputeActive() {
		return fmt.Errorf("%w: escrow %x", ErrNoDispute, id)
	}
	toBeneficiary, toDepositor, err := Split(esc.Amount, outcome)
	if err != nil {
		return err
	}
	settled := outcome
	esc.Dispute.Active = false
	esc.Dispute.Outcome = &settled
	esc.Status = StatusResolved
	if err := e.settle(ctx, esc,
		Transfer{From: esc.Custody, To: esc.Beneficiary, Amount: toBeneficiary},
		Transfer{From: esc.Custody, To: esc.Depositor, Amount: toDepositor},
	); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(esc, outcome, toBeneficiary, toDepositor))
	return nil
}

// Status returns the lifecycle stage of an escrow. No authentication is
// required.
func (e *Engine) Status(id [32]byte) (Status, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	return esc.Status, nil
}

// Get returns a snapshot of the full escrow record.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}
