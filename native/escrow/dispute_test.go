package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func TestSplitExactForEveryRatio(t *testing.T) {
	amounts := []*big.Int{
		big.NewInt(1),
		big.NewInt(999),
		big.NewInt(1_000_000_007),
		new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)),
	}
	denom := big.NewInt(BasisPointsDenominator)
	for _, amount := range amounts {
		for bps := uint32(1); bps < BasisPointsDenominator; bps++ {
			toBeneficiary, toDepositor, err := Split(amount, Outcome{Kind: OutcomePartialRelease, BasisPoints: bps})
			if err != nil {
				t.Fatalf("split %s at %d: %v", amount, bps, err)
			}
			want := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
			want.Quo(want, denom)
			if toBeneficiary.Cmp(want) != 0 {
				t.Fatalf("split %s at %d: beneficiary %s, want %s", amount, bps, toBeneficiary, want)
			}
			if sum := new(big.Int).Add(toBeneficiary, toDepositor); sum.Cmp(amount) != 0 {
				t.Fatalf("split %s at %d: shares sum to %s", amount, bps, sum)
			}
		}
	}
}

func TestSplitWholeOutcomes(t *testing.T) {
	amount := big.NewInt(1000)
	b, d, err := Split(amount, Outcome{Kind: OutcomeReleaseToBeneficiary})
	if err != nil || b.Cmp(amount) != 0 || d.Sign() != 0 {
		t.Fatalf("release split: %s/%s (%v)", b, d, err)
	}
	b, d, err = Split(amount, Outcome{Kind: OutcomeRefundToDepositor})
	if err != nil || b.Sign() != 0 || d.Cmp(amount) != 0 {
		t.Fatalf("refund split: %s/%s (%v)", b, d, err)
	}
	b.SetInt64(7)
	if amount.Int64() != 1000 {
		t.Fatalf("split aliased the input amount")
	}
}

func TestSplitRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name    string
		amount  *big.Int
		outcome Outcome
	}{
		{"zero ratio", big.NewInt(10), Outcome{Kind: OutcomePartialRelease}},
		{"full ratio", big.NewInt(10), Outcome{Kind: OutcomePartialRelease, BasisPoints: 10_000}},
		{"unknown kind", big.NewInt(10), Outcome{Kind: 9}},
		{"unspecified", big.NewInt(10), Outcome{}},
		{"nil amount", nil, Outcome{Kind: OutcomeReleaseToBeneficiary}},
		{"wide amount", new(big.Int).Lsh(big.NewInt(1), 256), Outcome{Kind: OutcomePartialRelease, BasisPoints: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Split(tc.amount, tc.outcome); !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}

func TestParseOutcomeKind(t *testing.T) {
	kind, err := ParseOutcomeKind("Partial-Release")
	if err != nil || kind != OutcomePartialRelease {
		t.Fatalf("unexpected parse result %v (%v)", kind, err)
	}
	if _, err := ParseOutcomeKind("split"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected parse failure, got %v", err)
	}
	if got := (Outcome{Kind: OutcomePartialRelease, BasisPoints: 2500}).String(); got != "partial_release(2500)" {
		t.Fatalf("unexpected outcome string %q", got)
	}
}

func TestDisputeCloneIsDeep(t *testing.T) {
	var nilDispute *Dispute
	if nilDispute.IsActive() || nilDispute.Clone() != nil {
		t.Fatalf("nil dispute must be inactive and clone to nil")
	}
	original := &Dispute{Active: false, Outcome: &Outcome{Kind: OutcomePartialRelease, BasisPoints: 10}}
	clone := original.Clone()
	clone.Outcome.BasisPoints = 20
	if original.Outcome.BasisPoints != 10 {
		t.Fatalf("clone shares outcome with original")
	}
}
