package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"blockbatch/core/types"
)

const (
	EventTypeEscrowCreated           = "escrow.created"
	EventTypeEscrowFunded            = "escrow.funded"
	EventTypeEscrowConditionAdded    = "escrow.condition_added"
	EventTypeEscrowConditionVerified = "escrow.condition_verified"
	EventTypeEscrowConditionsMet     = "escrow.conditions_met"
	EventTypeEscrowReleased          = "escrow.released"
	EventTypeEscrowRefunded          = "escrow.refunded"
	EventTypeEscrowDisputed          = "escrow.disputed"
	EventTypeEscrowResolved          = "escrow.resolved"
)

// EventTypes lists every event the engine can emit, in lifecycle order.
var EventTypes = []string{
	EventTypeEscrowCreated,
	EventTypeEscrowFunded,
	EventTypeEscrowConditionAdded,
	EventTypeEscrowConditionVerified,
	EventTypeEscrowConditionsMet,
	EventTypeEscrowReleased,
	EventTypeEscrowRefunded,
	EventTypeEscrowDisputed,
	EventTypeEscrowResolved,
}

// NewCreatedEvent returns the canonical event payload for a newly initialised
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	if e != nil {
		evt.Attributes["admin"] = hex.EncodeToString(e.Admin[:])
		evt.Attributes["arbitrator"] = hex.EncodeToString(e.Arbitrator[:])
		evt.Attributes["custody"] = hex.EncodeToString(e.Custody[:])
		evt.Attributes["symbol"] = e.Asset.Symbol
		evt.Attributes["decimals"] = strconv.FormatUint(uint64(e.Asset.Decimals), 10)
		evt.Attributes["timeoutAt"] = strconv.FormatUint(e.TimeoutAt, 10)
	}
	return evt
}

// NewFundedEvent returns the payload emitted when the depositor moves funds
// into custody.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e) }

// NewConditionAddedEvent returns the payload for a newly registered condition.
func NewConditionAddedEvent(e *Escrow, index uint32, cond Condition) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowConditionAdded, e)
	evt.Attributes["index"] = strconv.FormatUint(uint64(index), 10)
	evt.Attributes["kind"] = cond.Kind.String()
	evt.Attributes["description"] = cond.Description
	if cond.VerificationMethod != "" {
		evt.Attributes["verificationMethod"] = cond.VerificationMethod
	}
	return evt
}

// NewConditionVerifiedEvent returns the payload for a condition marked
// fulfilled.
func NewConditionVerifiedEvent(e *Escrow, index uint32) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowConditionVerified, e)
	evt.Attributes["index"] = strconv.FormatUint(uint64(index), 10)
	if e != nil {
		evt.Attributes["pending"] = strconv.Itoa(e.Conditions.Pending())
	}
	return evt
}

// NewConditionsMetEvent is emitted once every condition has been fulfilled.
func NewConditionsMetEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowConditionsMet, e)
}

// NewReleasedEvent returns the payload for a release of custody to the
// beneficiary.
func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowReleased, e) }

// NewRefundedEvent returns the payload for a timeout refund to the depositor.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

// NewDisputedEvent returns the payload emitted when a party opens a dispute.
func NewDisputedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	if e != nil && e.Dispute != nil {
		evt.Attributes["initiator"] = hex.EncodeToString(e.Dispute.Initiator[:])
		evt.Attributes["reason"] = e.Dispute.Reason
	}
	return evt
}

// NewResolvedEvent returns the payload emitted when the arbitrator settles a
// dispute. The two shares always sum to the escrowed amount.
func NewResolvedEvent(e *Escrow, outcome Outcome, beneficiaryShare, depositorShare *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowResolved, e)
	evt.Attributes["outcome"] = outcome.Kind.String()
	if outcome.Kind == OutcomePartialRelease {
		evt.Attributes["basisPoints"] = strconv.FormatUint(uint64(outcome.BasisPoints), 10)
	}
	evt.Attributes["beneficiaryAmount"] = cloneBigInt(beneficiaryShare).String()
	evt.Attributes["depositorAmount"] = cloneBigInt(depositorShare).String()
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["depositor"] = hex.EncodeToString(e.Depositor[:])
	attrs["beneficiary"] = hex.EncodeToString(e.Beneficiary[:])
	attrs["token"] = e.Asset.Token
	attrs["amount"] = cloneBigInt(e.Amount).String()
	attrs["status"] = e.Status.String()
	attrs["updatedAt"] = strconv.FormatUint(e.UpdatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
