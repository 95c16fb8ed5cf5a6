package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that map it onto a transport status.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

var (
	ErrEmptySubmission     = errors.New("submission has no items")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrOrderNotFound       = errors.New("order not found")
	ErrConcurrentUpdate    = errors.New("product was modified concurrently")
)

type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for product %s", e.Quantity, e.ProductID)
}

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product not found: %s", e.ProductID)
}

// InsufficientStockError reports the stock observed when the shortage was detected,
// either in the validation snapshot or at the conditional decrement.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

// KindOf maps err onto the failure taxonomy. Anything unrecognised is internal.
func KindOf(err error) Kind {
	var (
		invalidQty *InvalidQuantityError
		notFound   *ProductNotFoundError
		shortage   *InsufficientStockError
		invalid    *ValidationError
	)
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrEmptySubmission), errors.As(err, &invalidQty), errors.As(err, &invalid):
		return KindInvalidInput
	case errors.Is(err, ErrOrderNotFound), errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &shortage), errors.Is(err, ErrDuplicateSubmission), errors.Is(err, ErrConcurrentUpdate):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsRejection reports whether err is a business-rule rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	return err != nil && KindOf(err) != KindInternal
}
