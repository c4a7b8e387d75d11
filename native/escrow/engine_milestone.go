package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockbatch/storage"
)

var agreementIDDomain = []byte("blockbatch/milestone/v1")

// AgreementParams describes a new supplier milestone agreement.
type AgreementParams struct {
	Company    [20]byte
	Supplier   [20]byte
	Custody    [20]byte
	Asset      Asset
	Order      PurchaseOrder
	Discount   DiscountTerms
	Milestones []Milestone
	Salt       [32]byte
}

// MilestoneUpdate replaces the editable fields of a pending milestone. Nil
// and zero fields are left unchanged.
type MilestoneUpdate struct {
	Description string
	Amount      *big.Int
	DueAt       uint64
}

// DeriveAgreementID computes the deterministic agreement identifier.
func DeriveAgreementID(company, supplier [20]byte, salt [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(agreementIDDomain, company[:], supplier[:], salt[:])
}

// SetAgreementStore configures where agreements are persisted. When unset the
// record store is used if it also stores agreements.
func (e *Engine) SetAgreementStore(store AgreementStore) { e.agreements = store }

func (e *Engine) agreementStore() AgreementStore {
	if e.agreements != nil {
		return e.agreements
	}
	if store, ok := e.store.(AgreementStore); ok {
		return store
	}
	return nil
}

func (e *Engine) agreementsReady() error {
	if e.agreementStore() == nil {
		return errNilStore
	}
	if e.payments == nil {
		return errNilPayments
	}
	if e.auth == nil {
		return errNilAuthenticator
	}
	return nil
}

func (e *Engine) loadAgreement(id [32]byte) (*Agreement, error) {
	store := e.agreementStore()
	if store == nil {
		return nil, errNilStore
	}
	agreement, ok, err := store.AgreementGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: agreement %x", ErrNotInitialized, id)
	}
	return agreement, nil
}

// loadMilestone loads an active agreement and the milestone at index after
// authorizing caller as the expected party.
func (e *Engine) loadMilestone(ctx context.Context, id [32]byte, caller [20]byte, company bool, index uint32) (*Agreement, *Milestone, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, nil, err
	}
	if company {
		err = e.authorize(ctx, caller, agreement.Company, "company")
	} else {
		err = e.authorize(ctx, caller, agreement.Supplier, "supplier")
	}
	if err != nil {
		return nil, nil, err
	}
	if agreement.Status != AgreementActive {
		return nil, nil, fmt.Errorf("%w: agreement is %s", ErrInvalidStatus, agreement.Status)
	}
	m, err := agreement.Milestone(index)
	if err != nil {
		return nil, nil, err
	}
	return agreement, m, nil
}

// storeAgreement pays the legs and persists the agreement, batching both
// when the collaborators allow it.
func (e *Engine) storeAgreement(ctx context.Context, agreement *Agreement, legs ...Transfer) error {
	agreement.UpdatedAt = e.now()
	store := e.agreementStore()
	var stage func(*storage.Batch) error
	if stager, ok := store.(AgreementStager); ok {
		stage = func(batch *storage.Batch) error { return stager.StageAgreement(batch, agreement) }
	}
	return e.commit(ctx, agreement.Asset.Token, legs, stage, func() error { return store.AgreementPut(agreement) },
		slog.String("agreement", fmt.Sprintf("%x", agreement.ID)), slog.String("status", agreement.Status.String()))
}

func newMilestone(src Milestone) (*Milestone, error) {
	m := &Milestone{
		Description: strings.TrimSpace(src.Description),
		DueAt:       src.DueAt,
		Status:      MilestonePending,
	}
	if src.Amount != nil {
		m.Amount = new(big.Int).Set(src.Amount)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateAgreement opens a supplier agreement on behalf of the company. Any
// milestones supplied start pending and unfunded.
func (e *Engine) CreateAgreement(ctx context.Context, params AgreementParams) (*Agreement, error) {
	if err := e.agreementsReady(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := DeriveAgreementID(params.Company, params.Supplier, params.Salt)
	exists, err := e.agreementStore().AgreementHas(id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: agreement %x already exists", ErrUnauthorized, id)
	}
	if !e.auth.HasAddress(ctx, params.Company) {
		return nil, fmt.Errorf("%w: company did not authenticate", ErrUnauthorized)
	}

	now := e.now()
	agreement := &Agreement{
		ID:       id,
		Company:  params.Company,
		Supplier: params.Supplier,
		Custody:  params.Custody,
		Order: PurchaseOrder{
			Number:      strings.TrimSpace(params.Order.Number),
			Description: params.Order.Description,
		},
		Asset:      params.Asset,
		Discount:   params.Discount,
		Milestones: make([]*Milestone, 0, len(params.Milestones)),
		Status:     AgreementActive,
		CreatedAt:  now,
	}
	if params.Order.Total != nil {
		agreement.Order.Total = new(big.Int).Set(params.Order.Total)
	}
	for i, src := range params.Milestones {
		m, err := newMilestone(src)
		if err != nil {
			return nil, fmt.Errorf("milestone %d: %w", i, err)
		}
		agreement.Milestones = append(agreement.Milestones, m)
	}
	if err := agreement.Validate(); err != nil {
		return nil, err
	}
	if err := e.storeAgreement(ctx, agreement); err != nil {
		return nil, err
	}
	e.emit(NewAgreementCreatedEvent(agreement))
	return agreement.Clone(), nil
}

// AddMilestone appends a pending milestone. The committed milestone amounts
// may not exceed the purchase order total.
func (e *Engine) AddMilestone(ctx context.Context, id [32]byte, company [20]byte, milestone Milestone) (uint32, error) {
	if err := e.agreementsReady(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return 0, err
	}
	if err := e.authorize(ctx, company, agreement.Company, "company"); err != nil {
		return 0, err
	}
	if agreement.Status != AgreementActive {
		return 0, fmt.Errorf("%w: agreement is %s", ErrInvalidStatus, agreement.Status)
	}
	m, err := newMilestone(milestone)
	if err != nil {
		return 0, err
	}
	agreement.Milestones = append(agreement.Milestones, m)
	if err := agreement.Validate(); err != nil {
		return 0, err
	}
	if err := e.storeAgreement(ctx, agreement); err != nil {
		return 0, err
	}
	index := uint32(len(agreement.Milestones) - 1)
	e.emit(NewMilestoneEvent(EventTypeMilestoneAdded, agreement, index))
	return index, nil
}

// UpdateMilestone edits a milestone that has not been funded yet.
func (e *Engine) UpdateMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32, update MilestoneUpdate) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, m, err := e.loadMilestone(ctx, id, company, true, index)
	if err != nil {
		return err
	}
	if m.Status != MilestonePending {
		return fmt.Errorf("%w: milestone is %s", ErrInvalidStatus, m.Status)
	}
	if desc := strings.TrimSpace(update.Description); desc != "" {
		m.Description = desc
	}
	if update.Amount != nil {
		m.Amount = new(big.Int).Set(update.Amount)
	}
	if update.DueAt != 0 {
		m.DueAt = update.DueAt
	}
	if err := agreement.Validate(); err != nil {
		return err
	}
	if err := e.storeAgreement(ctx, agreement); err != nil {
		return err
	}
	e.emit(NewMilestoneEvent(EventTypeMilestoneUpdated, agreement, index))
	return nil
}

// FundMilestone moves the milestone amount from the company into custody.
func (e *Engine) FundMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, m, err := e.loadMilestone(ctx, id, company, true, index)
	if err != nil {
		return err
	}
	if m.Status != MilestonePending {
		return fmt.Errorf("%w: milestone is %s", ErrInvalidStatus, m.Status)
	}
	m.Status = MilestoneFunded
	m.FundedAt = e.now()
	if err := e.storeAgreement(ctx, agreement, Transfer{From: agreement.Company, To: agreement.Custody, Amount: m.Amount}); err != nil {
		return err
	}
	e.emit(NewMilestoneEvent(EventTypeMilestoneFunded, agreement, index))
	return nil
}

// CompleteMilestone records the supplier's proof of delivery.
func (e *Engine) CompleteMilestone(ctx context.Context, id [32]byte, supplier [20]byte, index uint32, proof string) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, m, err := e.loadMilestone(ctx, id, supplier, false, index)
	if err != nil {
		return err
	}
	if m.Status != MilestoneFunded {
		return fmt.Errorf("%w: milestone is %s", ErrNotFunded, m.Status)
	}
	proof = strings.TrimSpace(proof)
	if proof == "" || len(proof) > maxVerificationProof {
		return fmt.Errorf("%w: proof must be 1-%d bytes", ErrInvalidMilestone, maxVerificationProof)
	}
	m.Proof = proof
	m.Status = MilestoneCompleted
	if err := e.storeAgreement(ctx, agreement); err != nil {
		return err
	}
	e.emit(NewMilestoneEvent(EventTypeMilestoneComplete, agreement, index))
	return nil
}

// VerifyMilestone accepts a completed milestone for payment.
func (e *Engine) VerifyMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, m, err := e.loadMilestone(ctx, id, company, true, index)
	if err != nil {
		return err
	}
	if m.Status == MilestoneDisputed {
		return fmt.Errorf("%w: milestone %d", ErrDisputeInProgress, index)
	}
	if m.Status != MilestoneCompleted {
		return fmt.Errorf("%w: milestone is %s", ErrConditionsNotMet, m.Status)
	}
	m.Status = MilestoneVerified
	if err := e.storeAgreement(ctx, agreement); err != nil {
		return err
	}
	e.emit(NewMilestoneEvent(EventTypeMilestoneVerified, agreement, index))
	return nil
}

// PayMilestone pays a verified milestone from custody. Within the discount
// window the supplier receives the discounted amount and the remainder
// returns to the company in the same payment.
func (e *Engine) PayMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, m, err := e.loadMilestone(ctx, id, company, true, index)
	if err != nil {
		return err
	}
	if m.Status == MilestoneDisputed {
		return fmt.Errorf("%w: milestone %d", ErrDisputeInProgress, index)
	}
	if m.Status != MilestoneVerified {
		return fmt.Errorf("%w: milestone is %s", ErrConditionsNotMet, m.Status)
	}
	now := e.now()
	payout, discount := agreement.EarlyPaymentAmount(m, now)
	m.Status = MilestonePaid
	m.PaidAt = now
	m.PaidAmount = new(big.Int).Set(payout)
	agreement.settle()
	if err := e.storeAgreement(ctx, agreement,
		Transfer{From: agreement.Custody, To: agreement.Supplier, Amount: payout},
		Transfer{From: agreement.Custody, To: agreement.Company, Amount: discount},
	); err != nil {
		return err
	}
	e.emit(NewMilestonePaidEvent(agreement, index, payout, discount))
	return nil
}

// DisputeMilestone blocks payment of a completed or verified milestone until
// the company resolves it. Either party may open the dispute.
func (e *Engine) DisputeMilestone(ctx context.Context, id [32]byte, initiator [20]byte, index uint32, reason string) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if initiator != agreement.Company && initiator != agreement.Supplier {
		return fmt.Errorf("%w: only the company or supplier may dispute", ErrUnauthorized)
	}
	if !e.auth.HasAddress(ctx, initiator) {
		return fmt.Errorf("%w: initiator did not authenticate", ErrUnauthorized)
	}
	if agreement.Status != AgreementActive {
		return fmt.Errorf("%w: agreement is %s", ErrInvalidStatus, agreement.Status)
	}
	m, err := agreement.Milestone(index)
	if err != nil {
		return err
	}
	if m.Status == MilestoneDisputed {
		return fmt.Errorf("%w: milestone %d", ErrDisputeInProgress, index)
	}
	if m.Status != MilestoneCompleted && m.Status != MilestoneVerified {
		return fmt.Errorf("%w: cannot dispute milestone in status %s", ErrInvalidStatus, m.Status)
	}
	m.Status = MilestoneDisputed
	m.Dispute = &MilestoneDispute{Initiator: initiator, Reason: reason, Open: true}
	if err := e.storeAgreement(ctx, agreement); err != nil {
		return err
	}
	e.emit(NewMilestoneEvent(EventTypeMilestoneDisputed, agreement, index))
	return nil
}

// ResolveMilestoneDispute closes an open dispute. Approval makes the
// milestone payable; rejection returns it to completed for re-verification.
func (e *Engine) ResolveMilestoneDispute(ctx context.Context, id [32]byte, company [20]byte, index uint32, approve bool, notes string) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, m, err := e.loadMilestone(ctx, id, company, true, index)
	if err != nil {
		return err
	}
	if m.Status != MilestoneDisputed || m.Dispute == nil || !m.Dispute.Open {
		return fmt.Errorf("%w: milestone %d", ErrNoDispute, index)
	}
	m.Dispute.Open = false
	m.Dispute.Approved = approve
	m.Dispute.Notes = notes
	if approve {
		m.Status = MilestoneVerified
	} else {
		m.Status = MilestoneCompleted
	}
	if err := e.storeAgreement(ctx, agreement); err != nil {
		return err
	}
	e.emit(NewMilestoneEvent(EventTypeMilestoneResolved, agreement, index))
	return nil
}

// CancelMilestone withdraws a milestone before the supplier completes it.
// Funded amounts return from custody to the company.
func (e *Engine) CancelMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error {
	if err := e.agreementsReady(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, m, err := e.loadMilestone(ctx, id, company, true, index)
	if err != nil {
		return err
	}
	var refund *big.Int
	switch m.Status {
	case MilestonePending:
	case MilestoneFunded:
		refund = m.Amount
	default:
		return fmt.Errorf("%w: cannot cancel milestone in status %s", ErrInvalidStatus, m.Status)
	}
	m.Status = MilestoneCancelled
	agreement.settle()
	if err := e.storeAgreement(ctx, agreement, Transfer{From: agreement.Custody, To: agreement.Company, Amount: refund}); err != nil {
		return err
	}
	e.emit(NewMilestoneEvent(EventTypeMilestoneCanceled, agreement, index))
	return nil
}

// GetAgreement returns a snapshot of an agreement.
func (e *Engine) GetAgreement(id [32]byte) (*Agreement, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	return agreement.Clone(), nil
}

// QuoteMilestone reports what paying a verified milestone now would send to
// the supplier, and the discount kept by the company.
func (e *Engine) QuoteMilestone(id [32]byte, index uint32) (payout, discount *big.Int, err error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, nil, err
	}
	m, err := agreement.Milestone(index)
	if err != nil {
		return nil, nil, err
	}
	if m.Status != MilestoneVerified {
		return nil, nil, fmt.Errorf("%w: milestone is %s", ErrConditionsNotMet, m.Status)
	}
	payout, discount = agreement.EarlyPaymentAmount(m, e.now())
	return payout, discount, nil
}
