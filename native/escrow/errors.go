package escrow

import "errors"

var (
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrInvalidAmount     = errors.New("escrow: invalid amount")
	ErrInvalidStatus     = errors.New("escrow: invalid status")
	ErrNotFunded         = errors.New("escrow: not funded")
	ErrConditionsNotMet  = errors.New("escrow: conditions not met")
	ErrDisputeInProgress = errors.New("escrow: dispute in progress")
	ErrInvalidCondition  = errors.New("escrow: invalid condition")
	ErrAlreadyFulfilled  = errors.New("escrow: condition already fulfilled")
	ErrTimeoutNotReached = errors.New("escrow: timeout not reached")
	ErrNoDispute         = errors.New("escrow: no active dispute")
	ErrNotInitialized    = errors.New("escrow: not initialized")
	ErrInvalidParties    = errors.New("escrow: invalid parties")
	ErrInvalidAsset      = errors.New("escrow: invalid asset")
	ErrPaymentFailed     = errors.New("escrow: payment failed")
	ErrInvalidMilestone  = errors.New("escrow: invalid milestone")
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidStatus, "invalid_status"},
	{ErrNotFunded, "not_funded"},
	{ErrConditionsNotMet, "conditions_not_met"},
	{ErrDisputeInProgress, "dispute_in_progress"},
	{ErrInvalidCondition, "invalid_condition"},
	{ErrAlreadyFulfilled, "already_fulfilled"},
	{ErrTimeoutNotReached, "timeout_not_reached"},
	{ErrNoDispute, "no_dispute"},
	{ErrNotInitialized, "not_initialized"},
	{ErrInvalidParties, "invalid_parties"},
	{ErrInvalidAsset, "invalid_asset"},
	{ErrPaymentFailed, "payment_failed"},
	{ErrInvalidMilestone, "invalid_milestone"},
	{ErrMilestoneNotFound, "milestone_not_found"},
}

// Code maps an engine error to its stable kind. Errors outside the escrow
// taxonomy, such as storage failures, map to "internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
