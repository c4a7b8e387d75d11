package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// AgreementStatus represents the lifecycle of a supplier milestone agreement.
type AgreementStatus uint8

const (
	// AgreementActive accepts new milestones and payments.
	AgreementActive AgreementStatus = iota
	// AgreementCompleted marks agreements whose milestones are all settled
	// with at least one paid.
	AgreementCompleted
	// AgreementCancelled marks agreements whose milestones were all cancelled.
	AgreementCancelled
)

var agreementStatusNames = map[AgreementStatus]string{
	AgreementActive:    "active",
	AgreementCompleted: "completed",
	AgreementCancelled: "cancelled",
}

func (s AgreementStatus) String() string {
	if name, ok := agreementStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("agreement_status(%d)", uint8(s))
}

// MarshalText renders the status using its canonical lowercase name.
func (s AgreementStatus) MarshalText() ([]byte, error) {
	if _, ok := agreementStatusNames[s]; !ok {
		return nil, fmt.Errorf("invalid agreement status: %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a canonical agreement status name.
func (s *AgreementStatus) UnmarshalText(text []byte) error {
	for status, name := range agreementStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown agreement status %q", text)
}

// MilestoneStatus represents the state of an individual milestone.
type MilestoneStatus uint8

const (
	// MilestonePending is awaiting funding and may still be edited.
	MilestonePending MilestoneStatus = iota
	// MilestoneFunded holds the milestone amount in custody.
	MilestoneFunded
	// MilestoneCompleted carries the supplier's completion proof.
	MilestoneCompleted
	// MilestoneVerified has been accepted by the company and awaits payment.
	MilestoneVerified
	// MilestonePaid has been paid out to the supplier.
	MilestonePaid
	// MilestoneDisputed is blocked until the company resolves the dispute.
	MilestoneDisputed
	// MilestoneCancelled was withdrawn before payment; funded amounts are
	// returned to the company.
	MilestoneCancelled
)

var milestoneStatusNames = map[MilestoneStatus]string{
	MilestonePending:   "pending",
	MilestoneFunded:    "funded",
	MilestoneCompleted: "completed",
	MilestoneVerified:  "verified",
	MilestonePaid:      "paid",
	MilestoneDisputed:  "disputed",
	MilestoneCancelled: "cancelled",
}

func (s MilestoneStatus) String() string {
	if name, ok := milestoneStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("milestone_status(%d)", uint8(s))
}

// MarshalText renders the status using its canonical lowercase name.
func (s MilestoneStatus) MarshalText() ([]byte, error) {
	if _, ok := milestoneStatusNames[s]; !ok {
		return nil, fmt.Errorf("invalid milestone status: %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a canonical milestone status name.
func (s *MilestoneStatus) UnmarshalText(text []byte) error {
	for status, name := range milestoneStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown milestone status %q", text)
}

// Settled reports whether the milestone can no longer move funds.
func (s MilestoneStatus) Settled() bool {
	return s == MilestonePaid || s == MilestoneCancelled
}

const (
	maxMilestoneDescription = 256
	maxVerificationProof    = 512
	maxPurchaseOrderNumber  = 64
)

// PurchaseOrder identifies the commercial order an agreement pays for. The
// milestone amounts may never exceed Total.
type PurchaseOrder struct {
	Number      string
	Description string
	Total       *big.Int
}

// DiscountTerms grant the company an early-payment discount of Percent when
// a milestone is paid no later than Window seconds after its due date.
type DiscountTerms struct {
	Percent uint32
	Window  uint64
}

// Validate rejects discounts above 100 percent.
func (d DiscountTerms) Validate() error {
	if d.Percent > 100 {
		return fmt.Errorf("%w: discount %d%% exceeds 100%%", ErrInvalidMilestone, d.Percent)
	}
	return nil
}

// Milestone is a single payable deliverable of an agreement.
type Milestone struct {
	Description string
	Amount      *big.Int
	DueAt       uint64
	Status      MilestoneStatus
	Proof       string
	Dispute     *MilestoneDispute `rlp:"nil"`
	FundedAt    uint64
	PaidAt      uint64
	PaidAmount  *big.Int `rlp:"nil"`
}

// Validate ensures the milestone definition is sane prior to persistence.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrInvalidMilestone)
	}
	if strings.TrimSpace(m.Description) == "" {
		return fmt.Errorf("%w: description required", ErrInvalidMilestone)
	}
	if len(m.Description) > maxMilestoneDescription {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidMilestone, maxMilestoneDescription)
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: milestone amount must be positive", ErrInvalidAmount)
	}
	if m.DueAt == 0 {
		return fmt.Errorf("%w: due date required", ErrInvalidMilestone)
	}
	return nil
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	if m.PaidAmount != nil {
		clone.PaidAmount = new(big.Int).Set(m.PaidAmount)
	}
	if m.Dispute != nil {
		dispute := *m.Dispute
		clone.Dispute = &dispute
	}
	return &clone
}

// MilestoneDispute records a contested milestone. Approved is only
// meaningful once Open is false.
type MilestoneDispute struct {
	Initiator [20]byte
	Reason    string
	Open      bool
	Approved  bool
	Notes     string
}

// Agreement pays a supplier per milestone from company funds held in
// custody.
type Agreement struct {
	ID         [32]byte
	Company    [20]byte
	Supplier   [20]byte
	Custody    [20]byte
	Order      PurchaseOrder
	Asset      Asset
	Discount   DiscountTerms
	Milestones []*Milestone
	Status     AgreementStatus
	CreatedAt  uint64
	UpdatedAt  uint64
}

// Clone returns a deep copy of the agreement.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Order.Total != nil {
		clone.Order.Total = new(big.Int).Set(a.Order.Total)
	}
	clone.Milestones = make([]*Milestone, len(a.Milestones))
	for i, m := range a.Milestones {
		clone.Milestones[i] = m.Clone()
	}
	return &clone
}

// Milestone returns the milestone at index.
func (a *Agreement) Milestone(index uint32) (*Milestone, error) {
	if a == nil || uint64(index) >= uint64(len(a.Milestones)) {
		return nil, fmt.Errorf("%w: index %d", ErrMilestoneNotFound, index)
	}
	return a.Milestones[index], nil
}

// Committed sums the amounts of every milestone that has not been cancelled.
func (a *Agreement) Committed() *big.Int {
	total := new(big.Int)
	for _, m := range a.Milestones {
		if m != nil && m.Status != MilestoneCancelled && m.Amount != nil {
			total.Add(total, m.Amount)
		}
	}
	return total
}

// settle moves the agreement to a terminal status once every milestone is
// paid or cancelled.
func (a *Agreement) settle() {
	if len(a.Milestones) == 0 {
		return
	}
	paid := false
	for _, m := range a.Milestones {
		if !m.Status.Settled() {
			return
		}
		if m.Status == MilestonePaid {
			paid = true
		}
	}
	if paid {
		a.Status = AgreementCompleted
		return
	}
	a.Status = AgreementCancelled
}

// Validate checks the structural invariants of a stored agreement.
func (a *Agreement) Validate() error {
	if a == nil {
		return fmt.Errorf("nil agreement")
	}
	if _, ok := agreementStatusNames[a.Status]; !ok {
		return fmt.Errorf("invalid agreement status: %d", a.Status)
	}
	if err := validateParties(a.Company, a.Supplier, a.Custody); err != nil {
		return err
	}
	if err := a.Asset.Validate(); err != nil {
		return err
	}
	if err := a.Discount.Validate(); err != nil {
		return err
	}
	number := strings.TrimSpace(a.Order.Number)
	if number == "" || len(number) > maxPurchaseOrderNumber {
		return fmt.Errorf("%w: purchase order number must be 1-%d bytes", ErrInvalidMilestone, maxPurchaseOrderNumber)
	}
	if a.Order.Total == nil || a.Order.Total.Sign() <= 0 || a.Order.Total.BitLen() > 256 {
		return fmt.Errorf("%w: purchase order total must be positive and fit 256 bits", ErrInvalidAmount)
	}
	for i, m := range a.Milestones {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("milestone %d: %w", i, err)
		}
	}
	if a.Committed().Cmp(a.Order.Total) > 0 {
		return fmt.Errorf("%w: milestones exceed purchase order total %s", ErrInvalidAmount, a.Order.Total)
	}
	return nil
}

// EarlyPaymentAmount returns what the supplier receives when the milestone
// is paid at now, and the discount retained by the company.
func (a *Agreement) EarlyPaymentAmount(m *Milestone, now uint64) (payout, discount *big.Int) {
	amount := new(big.Int).Set(m.Amount)
	if a.Discount.Percent == 0 || now > m.DueAt+a.Discount.Window {
		return amount, new(big.Int)
	}
	discount = new(big.Int).Mul(amount, big.NewInt(int64(a.Discount.Percent)))
	discount.Quo(discount, big.NewInt(100))
	return amount.Sub(amount, discount), discount
}
