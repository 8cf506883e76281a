package apperr

import "errors"

// Sentinel errors for the settlement core. Services wrap these with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is while
// still seeing the operation-specific detail.
var (
	// ErrNotFound: the record id is unknown to its store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: the operation is illegal from the record's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidAmount: non-positive or out-of-bounds monetary value.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAddress: wallet address rejected by the validator.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMultisigIncomplete: execution requested before enough signatures collected.
	ErrMultisigIncomplete = errors.New("multisig incomplete")

	// ErrExpired: the voting window (or other time window) has closed.
	ErrExpired = errors.New("expired")

	// ErrSelfVote: the slash target attempted to vote on its own proposal.
	ErrSelfVote = errors.New("self vote forbidden")

	// ErrNotApproved: slash execution requested on a non-approved proposal.
	ErrNotApproved = errors.New("proposal not approved")

	// ErrUnauthorized: the caller is not allowed to perform the operation
	// (e.g. a signer outside the configured multisig set).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrExternal wraps transfer-executor failures. The intent is marked
	// failed and the error surfaced; retry policy belongs to the caller.
	ErrExternal = errors.New("external collaborator error")
)
