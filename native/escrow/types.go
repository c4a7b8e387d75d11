package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle stage of an escrow record.
type Status uint8

const (
	StatusInitialized Status = iota
	StatusFunded
	StatusConditionsMet
	StatusReleased
	StatusRefunded
	StatusInDispute
	StatusResolved
)

var statusNames = map[Status]string{
	StatusInitialized:   "initialized",
	StatusFunded:        "funded",
	StatusConditionsMet: "conditions_met",
	StatusReleased:      "released",
	StatusRefunded:      "refunded",
	StatusInDispute:     "in_dispute",
	StatusResolved:      "resolved",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further state-changing operation may succeed.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusResolved:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText renders the status using its canonical lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a canonical status name.
func (s *Status) UnmarshalText(text []byte) error {
	normalized := strings.ToLower(strings.TrimSpace(string(text)))
	for status, name := range statusNames {
		if name == normalized {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown escrow status %q", string(text))
}

// ConditionKind describes how a release condition is expected to be checked.
type ConditionKind uint8

const (
	// ConditionKindUnspecified prevents zero-value conditions from being
	// persisted unintentionally.
	ConditionKindUnspecified ConditionKind = iota
	ConditionKindTimeBased
	ConditionKindManualVerification
	ConditionKindExternalOracle
	ConditionKindMultiSig
)

var conditionKindNames = map[ConditionKind]string{
	ConditionKindTimeBased:          "time_based",
	ConditionKindManualVerification: "manual_verification",
	ConditionKindExternalOracle:     "external_oracle",
	ConditionKindMultiSig:           "multi_sig",
}

// Valid reports whether the kind is one of the supported condition kinds.
func (k ConditionKind) Valid() bool {
	_, ok := conditionKindNames[k]
	return ok
}

func (k ConditionKind) String() string {
	if name, ok := conditionKindNames[k]; ok {
		return name
	}
	return "unspecified"
}

// ParseConditionKind resolves a condition kind from its canonical name.
func ParseConditionKind(value string) (ConditionKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for kind, name := range conditionKindNames {
		if name == normalized {
			return kind, nil
		}
	}
	return ConditionKindUnspecified, fmt.Errorf("%w: unknown condition kind %q", ErrInvalidCondition, value)
}

// Asset identifies the token held in custody. Decimals are carried verbatim and
// never used for arithmetic.
type Asset struct {
	Token    string
	Symbol   string
	Decimals uint32
}

// Validate ensures the asset carries a token identifier and symbol. Token
// identifiers are ledger key segments and may not contain '/'.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.Token) == "" {
		return fmt.Errorf("%w: token required", ErrInvalidAsset)
	}
	if strings.ContainsRune(a.Token, '/') {
		return fmt.Errorf("%w: token %q contains '/'", ErrInvalidAsset, a.Token)
	}
	if strings.TrimSpace(a.Symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidAsset)
	}
	return nil
}

// Escrow is the persisted custody record for a single escrow instance.
type Escrow struct {
	ID          [32]byte
	Admin       [20]byte
	Depositor   [20]byte
	Beneficiary [20]byte
	Arbitrator  [20]byte
	Custody     [20]byte
	Asset       Asset
	Amount      *big.Int
	Conditions  Conditions
	TimeoutAt   uint64
	Dispute     *Dispute `rlp:"nil"`
	Status      Status
	CreatedAt   uint64
	UpdatedAt   uint64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.Conditions = e.Conditions.Clone()
	clone.Dispute = e.Dispute.Clone()
	return &clone
}

// DisputeActive reports whether a dispute is currently open.
func (e *Escrow) DisputeActive() bool {
	return e != nil && e.Dispute.IsActive()
}

// Validate checks the structural invariants of a stored record.
func (e *Escrow) Validate() error {
	if e == nil {
		return fmt.Errorf("nil escrow")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid escrow status: %d", e.Status)
	}
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if err := e.Asset.Validate(); err != nil {
		return err
	}
	if err := validateParties(e.Admin, e.Depositor, e.Beneficiary, e.Arbitrator, e.Custody); err != nil {
		return err
	}
	if e.Dispute != nil && e.Dispute.Outcome != nil && e.Dispute.Active {
		return fmt.Errorf("active dispute must not carry an outcome")
	}
	return nil
}

func validateParties(parties ...[20]byte) error {
	seen := make(map[[20]byte]struct{}, len(parties))
	for _, party := range parties {
		if party == ([20]byte{}) {
			return fmt.Errorf("%w: zero identity", ErrInvalidParties)
		}
		if _, dup := seen[party]; dup {
			return fmt.Errorf("%w: identities must be distinct", ErrInvalidParties)
		}
		seen[party] = struct{}{}
	}
	return nil
}
