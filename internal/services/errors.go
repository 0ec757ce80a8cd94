package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the payment flow.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindGateway    ErrorKind = "gateway"
	KindNotFound   ErrorKind = "not_found"
	KindParse      ErrorKind = "parse"
)

// MpesaError is a classified payment error. Reason is safe to store on the
// transaction and to show the caller.
type MpesaError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *MpesaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *MpesaError) Unwrap() error {
	return e.Err
}

func validationError(reason string) error {
	return &MpesaError{Kind: KindValidation, Reason: reason}
}

func authError(reason string, err error) error {
	return &MpesaError{Kind: KindAuth, Reason: reason, Err: err}
}

func gatewayError(reason string, err error) error {
	return &MpesaError{Kind: KindGateway, Reason: reason, Err: err}
}

// IsKind reports whether err is an MpesaError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var mErr *MpesaError
	return errors.As(err, &mErr) && mErr.Kind == kind
}

// Reason returns the caller-facing reason of err.
func Reason(err error) string {
	var mErr *MpesaError
	if errors.As(err, &mErr) {
		if mErr.Err != nil && mErr.Kind != KindValidation {
			return fmt.Sprintf("%s: %v", mErr.Reason, mErr.Err)
		}
		return mErr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	errTransactionNotFound = &MpesaError{Kind: KindNotFound, Reason: "transaction not found"}
	errStudentNotFound     = &MpesaError{Kind: KindNotFound, Reason: "student not found"}
)
