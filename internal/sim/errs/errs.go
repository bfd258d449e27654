package errs

import "errors"

const (
	CodeNoRoute           = "E_NO_ROUTE"
	CodeNoEligibleTarget  = "E_NO_ELIGIBLE_TARGET"
	CodeInsufficientRes   = "E_INSUFFICIENT_RESOURCES"
	CodeInsufficientStock = "E_INSUFFICIENT_STOCK"
	CodeInsufficientFunds = "E_INSUFFICIENT_FUNDS"
	CodeCapacityExceeded  = "E_CAPACITY_EXCEEDED"
	CodeServiceTimeout    = "E_SERVICE_TIMEOUT"
	CodeNotFound          = "E_NOT_FOUND"
	CodeConcurrentChange  = "E_CONCURRENT_CHANGE"
	CodeBadRequest        = "E_BAD_REQUEST"
	CodeInternal          = "E_INTERNAL"
)

var (
	ErrNoRouteFound           = errors.New("no route found")
	ErrNoEligibleTarget       = errors.New("no eligible target")
	ErrInsufficientResources  = errors.New("insufficient resources")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrExternalServiceTimeout = errors.New("external service timeout")
	ErrRecordNotFound         = errors.New("record not found")
	ErrConcurrentStateChange  = errors.New("concurrent state change")
	ErrBadRequest             = errors.New("bad request")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNoRouteFound, CodeNoRoute},
	{ErrNoEligibleTarget, CodeNoEligibleTarget},
	{ErrInsufficientResources, CodeInsufficientRes},
	{ErrInsufficientStock, CodeInsufficientStock},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrExternalServiceTimeout, CodeServiceTimeout},
	{ErrRecordNotFound, CodeNotFound},
	{ErrConcurrentStateChange, CodeConcurrentChange},
	{ErrBadRequest, CodeBadRequest},
}

// Code maps an error chain to its stable code. Unknown errors are E_INTERNAL.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Fatal reports whether err should abort the operation. Capacity truncation is not fatal.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrCapacityExceeded)
}
