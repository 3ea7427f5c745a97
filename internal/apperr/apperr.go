// Package apperr is the error taxonomy shared by the chain clients, the
// settlement services and the HTTP layer.
package apperr

import "errors"

type Kind string

const (
	KindWallet         Kind = "wallet"
	KindVerification   Kind = "verification"
	KindLedgerConflict Kind = "ledger_conflict"
	KindPayout         Kind = "payout"
	KindInvalid        Kind = "invalid"
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindInternal       Kind = "internal"
)

// Error codes.
const (
	CodeWalletNotConnected = "wallet_not_connected"
	CodeUserRejected       = "user_rejected"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeNetworkError       = "network_error"

	CodeTxNotFound = "tx_not_found"
	CodeTxNotFinal = "tx_not_final"
	CodeTxReverted = "tx_reverted"
	CodeTxMismatch = "tx_mismatch"

	CodeDuplicateTx         = "duplicate_tx"
	CodeSubjectUnavailable  = "subject_unavailable"
	CodeAlreadyRebound      = "already_rebound"
	CodeNotRebindable       = "not_rebindable"
	CodeNothingToClaim      = "nothing_to_claim"
	CodeClaimFinalizeFailed = "claim_finalize_failed"

	CodeInvalidAddress             = "invalid_address"
	CodeInsufficientCustodyBalance = "insufficient_custody_balance"
	CodePayoutUnconfirmed          = "payout_unconfirmed"
)

type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap returns a copy of base carrying cause.
func Wrap(base *Error, cause error) *Error {
	cp := *base
	cp.Err = cause
	return &cp
}

func Invalid(msg string) *Error {
	return &Error{Kind: KindInvalid, Code: "invalid_request", Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: msg}
}

var (
	ErrUnauthorized = New(KindUnauthorized, "unauthorized", "missing user id")
	ErrForbidden    = New(KindForbidden, "forbidden", "not allowed for this user")

	ErrWalletNotConnected = New(KindWallet, CodeWalletNotConnected, "wallet not connected")
	ErrUserRejected       = New(KindWallet, CodeUserRejected, "transaction rejected in wallet")
	ErrInsufficientFunds  = New(KindWallet, CodeInsufficientFunds, "insufficient funds in wallet")
	ErrWalletNetwork      = &Error{Kind: KindWallet, Code: CodeNetworkError, Message: "network error while sending", Retryable: true}

	ErrTxNotFound          = &Error{Kind: KindVerification, Code: CodeTxNotFound, Message: "transaction not found", Retryable: true}
	ErrTxNotFinal          = &Error{Kind: KindVerification, Code: CodeTxNotFinal, Message: "transaction not yet final", Retryable: true}
	ErrTxReverted          = New(KindVerification, CodeTxReverted, "transaction reverted")
	ErrTxMismatch          = New(KindVerification, CodeTxMismatch, "transaction does not match payment intent")
	ErrVerificationNetwork = &Error{Kind: KindVerification, Code: CodeNetworkError, Message: "network error while verifying", Retryable: true}

	ErrDuplicateTx         = New(KindLedgerConflict, CodeDuplicateTx, "transaction already processed")
	ErrSubjectUnavailable  = New(KindLedgerConflict, CodeSubjectUnavailable, "subject already sold")
	ErrAlreadyRebound      = New(KindLedgerConflict, CodeAlreadyRebound, "payment already bound to a subject")
	ErrNotRebindable       = New(KindLedgerConflict, CodeNotRebindable, "only listing fee payments can be rebound")
	ErrNothingToClaim      = New(KindLedgerConflict, CodeNothingToClaim, "nothing to claim")
	ErrClaimFinalizeFailed = New(KindLedgerConflict, CodeClaimFinalizeFailed, "payout sent but claim could not be finalized")

	ErrInvalidAddress             = New(KindPayout, CodeInvalidAddress, "invalid destination address")
	ErrInsufficientCustodyBalance = New(KindPayout, CodeInsufficientCustodyBalance, "insufficient custody balance")
	ErrPayoutNetwork              = New(KindPayout, CodeNetworkError, "network error while paying out")

	// ErrPayoutUnconfirmed means a signed payout may have reached the network.
	// The claim stays reserved until the transaction is reconciled.
	ErrPayoutUnconfirmed = New(KindPayout, CodePayoutUnconfirmed, "payout broadcast but not confirmed")
)

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}
