package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"blockbatch/core/types"
)

const (
	EventTypeAgreementCreated  = "milestone.agreement_created"
	EventTypeMilestoneAdded    = "milestone.added"
	EventTypeMilestoneUpdated  = "milestone.updated"
	EventTypeMilestoneFunded   = "milestone.funded"
	EventTypeMilestoneComplete = "milestone.completed"
	EventTypeMilestoneVerified = "milestone.verified"
	EventTypeMilestonePaid     = "milestone.paid"
	EventTypeMilestoneDisputed = "milestone.disputed"
	EventTypeMilestoneResolved = "milestone.resolved"
	EventTypeMilestoneCanceled = "milestone.cancelled"
)

// MilestoneEventTypes lists every agreement event the engine can emit.
var MilestoneEventTypes = []string{
	EventTypeAgreementCreated,
	EventTypeMilestoneAdded,
	EventTypeMilestoneUpdated,
	EventTypeMilestoneFunded,
	EventTypeMilestoneComplete,
	EventTypeMilestoneVerified,
	EventTypeMilestonePaid,
	EventTypeMilestoneDisputed,
	EventTypeMilestoneResolved,
	EventTypeMilestoneCanceled,
}

// NewAgreementCreatedEvent returns the payload for a new supplier agreement.
func NewAgreementCreatedEvent(a *Agreement) *types.Event {
	evt := newAgreementEvent(EventTypeAgreementCreated, a)
	evt.Attributes["custody"] = hex.EncodeToString(a.Custody[:])
	evt.Attributes["purchaseOrder"] = a.Order.Number
	evt.Attributes["total"] = cloneBigInt(a.Order.Total).String()
	evt.Attributes["discountPercent"] = strconv.FormatUint(uint64(a.Discount.Percent), 10)
	return evt
}

// NewMilestoneEvent returns the payload for a change to the milestone at
// index.
func NewMilestoneEvent(eventType string, a *Agreement, index uint32) *types.Event {
	evt := newAgreementEvent(eventType, a)
	evt.Attributes["index"] = strconv.FormatUint(uint64(index), 10)
	if m, err := a.Milestone(index); err == nil {
		evt.Attributes["milestoneStatus"] = m.Status.String()
		evt.Attributes["amount"] = cloneBigInt(m.Amount).String()
		evt.Attributes["dueAt"] = strconv.FormatUint(m.DueAt, 10)
		if m.Dispute != nil && eventType == EventTypeMilestoneDisputed {
			evt.Attributes["initiator"] = hex.EncodeToString(m.Dispute.Initiator[:])
			evt.Attributes["reason"] = m.Dispute.Reason
		}
	}
	return evt
}

// NewMilestonePaidEvent records the supplier payout and the early-payment
// discount returned to the company.
func NewMilestonePaidEvent(a *Agreement, index uint32, payout, discount *big.Int) *types.Event {
	evt := NewMilestoneEvent(EventTypeMilestonePaid, a, index)
	evt.Attributes["payout"] = cloneBigInt(payout).String()
	evt.Attributes["discount"] = cloneBigInt(discount).String()
	return evt
}

// The agreement identifier travels as "id" so audit filters and stream
// subscriptions treat agreements like escrows.
func newAgreementEvent(eventType string, a *Agreement) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(a.ID[:])
	attrs["company"] = hex.EncodeToString(a.Company[:])
	attrs["supplier"] = hex.EncodeToString(a.Supplier[:])
	attrs["token"] = a.Asset.Token
	attrs["status"] = a.Status.String()
	attrs["updatedAt"] = strconv.FormatUint(a.UpdatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
