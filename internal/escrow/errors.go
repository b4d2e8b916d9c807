package escrow

import "errors"

// Every escrow failure wraps exactly one of these. All of them abort the whole
// operation; nothing is retried.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already in use")
	ErrDerivationMismatch   = errors.New("invalid derivation")
	ErrConstraintViolation  = errors.New("constraint violation")
	ErrTransferFailure      = errors.New("transfer failed")
	ErrCloseFailure         = errors.New("close failed")
	ErrInvalidInstruction   = errors.New("invalid instruction")
)

type Kind string

const (
	KindNone                 Kind = ""
	KindAccountNotFound      Kind = "account_not_found"
	KindAccountAlreadyExists Kind = "account_already_exists"
	KindDerivationMismatch   Kind = "derivation_mismatch"
	KindConstraintViolation  Kind = "constraint_violation"
	KindTransferFailure      Kind = "transfer_failure"
	KindCloseFailure         Kind = "close_failure"
	KindInvalidInstruction   Kind = "invalid_instruction"
	KindInternal             Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrAccountNotFound, KindAccountNotFound},
	{ErrAccountAlreadyExists, KindAccountAlreadyExists},
	{ErrDerivationMismatch, KindDerivationMismatch},
	{ErrConstraintViolation, KindConstraintViolation},
	{ErrTransferFailure, KindTransferFailure},
	{ErrCloseFailure, KindCloseFailure},
	{ErrInvalidInstruction, KindInvalidInstruction},
}

// KindOf maps err to its stable kind name. Errors that wrap none of the
// escrow sentinels are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
