package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// BasisPointsDenominator expresses ratios in hundredths of a percent.
const BasisPointsDenominator = 10_000

// OutcomeKind enumerates the settlements an arbitrator may choose.
type OutcomeKind uint8

const (
	OutcomeUnspecified OutcomeKind = iota
	OutcomeReleaseToBeneficiary
	OutcomeRefundToDepositor
	OutcomePartialRelease
)

var outcomeKindNames = map[OutcomeKind]string{
	OutcomeReleaseToBeneficiary: "release_to_beneficiary",
	OutcomeRefundToDepositor:    "refund_to_depositor",
	OutcomePartialRelease:       "partial_release",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeKindNames[k]; ok {
		return name
	}
	return "unspecified"
}

// ParseOutcomeKind resolves an outcome kind from its canonical name.
func ParseOutcomeKind(value string) (OutcomeKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for kind, name := range outcomeKindNames {
		if name == normalized {
			return kind, nil
		}
	}
	return OutcomeUnspecified, fmt.Errorf("%w: unknown outcome %q", ErrInvalidAmount, value)
}

// Outcome is the arbitrator's resolution. BasisPoints is only meaningful for
// partial releases and is the beneficiary's share out of 10 000.
type Outcome struct {
	Kind        OutcomeKind
	BasisPoints uint32
}

// Validate rejects unknown kinds and partial ratios outside (0, 10 000).
func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeReleaseToBeneficiary, OutcomeRefundToDepositor:
		return nil
	case OutcomePartialRelease:
		if o.BasisPoints == 0 || o.BasisPoints >= BasisPointsDenominator {
			return fmt.Errorf("%w: partial release ratio %d must be within (0, %d)", ErrInvalidAmount, o.BasisPoints, BasisPointsDenominator)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown outcome kind %d", ErrInvalidAmount, o.Kind)
	}
}

func (o Outcome) String() string {
	if o.Kind == OutcomePartialRelease {
		return fmt.Sprintf("%s(%d)", o.Kind, o.BasisPoints)
	}
	return o.Kind.String()
}

// Dispute tracks an open or settled dispute on an escrow.
type Dispute struct {
	Initiator [20]byte
	Reason    string
	Active    bool
	Outcome   *Outcome `rlp:"nil"`
}

// IsActive is nil-safe.
func (d *Dispute) IsActive() bool {
	return d != nil && d.Active
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Outcome != nil {
		outcome := *d.Outcome
		clone.Outcome = &outcome
	}
	return &clone
}

// Split divides amount between beneficiary and depositor according to the
// outcome. For partial releases the beneficiary receives
// floor(amount*bps/10000) and the depositor the remainder, so the two shares
// always sum to amount.
func Split(amount *big.Int, outcome Outcome) (beneficiary, depositor *big.Int, err error) {
	if err := outcome.Validate(); err != nil {
		return nil, nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	switch outcome.Kind {
	case OutcomeReleaseToBeneficiary:
		return new(big.Int).Set(amount), big.NewInt(0), nil
	case OutcomeRefundToDepositor:
		return big.NewInt(0), new(big.Int).Set(amount), nil
	}
	total, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, nil, fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}
	share, overflow := new(uint256.Int).MulDivOverflow(
		total,
		uint256.NewInt(uint64(outcome.BasisPoints)),
		uint256.NewInt(BasisPointsDenominator),
	)
	if overflow {
		return nil, nil, fmt.Errorf("%w: split overflow", ErrInvalidAmount)
	}
	remainder := new(uint256.Int).Sub(total, share)
	return share.ToBig(), remainder.ToBig(), nil
}
