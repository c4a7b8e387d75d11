package escrow

import (
	"fmt"
	"strings"
)

const (
	maxConditionDescription = 256
	maxVerificationMethod   = 128
)

// Condition is an arbitrator-defined predicate that must be marked fulfilled
// before funds may be released. Fulfilled never reverts to false.
type Condition struct {
	Kind               ConditionKind
	Description        string
	VerificationMethod string
	Fulfilled          bool
}

// Validate ensures a newly submitted condition is well formed and unfulfilled.
func (c Condition) Validate() error {
	if c.Fulfilled {
		return fmt.Errorf("%w: conditions must be created unfulfilled", ErrInvalidCondition)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unsupported kind %d", ErrInvalidCondition, c.Kind)
	}
	if strings.TrimSpace(c.Description) == "" {
		return fmt.Errorf("%w: description required", ErrInvalidCondition)
	}
	if len(c.Description) > maxConditionDescription {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidCondition, maxConditionDescription)
	}
	if len(c.VerificationMethod) > maxVerificationMethod {
		return fmt.Errorf("%w: verification method exceeds %d bytes", ErrInvalidCondition, maxVerificationMethod)
	}
	return nil
}

// Conditions is the ordered, append-only registry of release conditions.
type Conditions []Condition

// Clone returns an independent copy of the registry.
func (c Conditions) Clone() Conditions {
	if c == nil {
		return Conditions{}
	}
	return append(Conditions{}, c...)
}

// Append validates and adds a condition, returning its index.
func (c *Conditions) Append(cond Condition) (uint32, error) {
	if err := cond.Validate(); err != nil {
		return 0, err
	}
	*c = append(*c, cond)
	return uint32(len(*c) - 1), nil
}

// At returns the condition at index.
func (c Conditions) At(index uint32) (Condition, error) {
	if uint64(index) >= uint64(len(c)) {
		return Condition{}, fmt.Errorf("%w: index %d out of range (%d conditions)", ErrInvalidCondition, index, len(c))
	}
	return c[index], nil
}

// MarkFulfilled flips the condition at index to fulfilled.
func (c Conditions) MarkFulfilled(index uint32) error {
	cond, err := c.At(index)
	if err != nil {
		return err
	}
	if cond.Fulfilled {
		return fmt.Errorf("%w: index %d", ErrAlreadyFulfilled, index)
	}
	c[index].Fulfilled = true
	return nil
}

// AllFulfilled reports whether every condition is fulfilled. An empty registry
// is vacuously fulfilled.
func (c Conditions) AllFulfilled() bool {
	for _, cond := range c {
		if !cond.Fulfilled {
			return false
		}
	}
	return true
}

// Pending returns the number of unfulfilled conditions.
func (c Conditions) Pending() int {
	pending := 0
	for _, cond := range c {
		if !cond.Fulfilled {
			pending++
		}
	}
	return pending
}
