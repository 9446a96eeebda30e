package auction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jensholdgaard/nft-auction-engine/internal/store"
)

// Errors returned by auction operations.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotActive         = errors.New("auction is not active")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSelfBid           = errors.New("seller cannot bid on own auction")
	ErrBidTooLow         = errors.New("bid is below the minimum next bid")
	ErrAlreadyListed     = errors.New("item is already listed")
	ErrAlreadyActive     = errors.New("item already has an open auction")
	ErrConflict          = errors.New("concurrent update, try again")
	ErrForbidden         = errors.New("forbidden")
	ErrInternal          = errors.New("internal error")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every rejected field of an input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "NOT_FOUND"},
	{ErrNotActive, "NOT_ACTIVE"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrSelfBid, "SELF_BID"},
	{ErrBidTooLow, "BID_TOO_LOW"},
	{ErrAlreadyListed, "ALREADY_LISTED"},
	{ErrAlreadyActive, "ALREADY_ACTIVE"},
	{ErrConflict, "CONFLICT"},
	{ErrForbidden, "FORBIDDEN"},
	{ErrInternal, "INTERNAL"},
}

// Code returns the stable error code for err, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "VALIDATION_FAILED"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// isDomain reports whether err already carries a taxonomy error.
func isDomain(err error) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return true
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return true
		}
	}
	return false
}

// translate maps store errors onto the taxonomy. Anything unrecognized is
// an internal failure.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case isDomain(err):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}
