package exchange

import (
	"errors"
	"fmt"
)

// Binance futures error codes the engine treats as non-retryable. Retrying
// these wastes the backoff budget and can double-place orders.
const (
	codeInvalidSymbol   = -1121
	codeInvalidQuantity = -1013
	codeBadPrecision    = -1111
	codeInsufficient    = -2019
	codeInvalidKey      = -2014
	codeBadAPIKey       = -2015
	codePermission      = -4087
	codeOrderNotFound   = -2011
	codeUnknownOrder    = -2013
)

// APIError is a structured venue error.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Retryable reports whether the error is transient. Rate limits and server
// errors are retried; validation, balance and auth failures are not.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case codeInvalidSymbol, codeInvalidQuantity, codeBadPrecision,
		codeInsufficient, codeInvalidKey, codeBadAPIKey, codePermission:
		return false
	}
	if e.HTTPStatus == 429 || e.HTTPStatus == 418 || e.HTTPStatus >= 500 {
		return true
	}
	switch e.Code {
	case -1001, -1003, -1015, -1016: // disconnected / too many requests / shutting down
		return true
	}
	return false
}

// OrderGone reports whether the error means the order no longer exists on
// the venue. Cancel treats this as success.
func (e *APIError) OrderGone() bool {
	return e.Code == codeOrderNotFound || e.Code == codeUnknownOrder
}

// AuthFailure reports whether the error is an API key or permission problem.
func (e *APIError) AuthFailure() bool {
	return e.Code == codeInvalidKey || e.Code == codeBadAPIKey || e.Code == codePermission
}

// IsRetryable classifies any error from the venue layer. Plain transport
// errors (timeouts, connection resets) are retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return err != nil
}

// IsOrderGone reports whether err means the target order is already absent.
func IsOrderGone(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.OrderGone()
}

// IsAuthFailure reports whether err is a venue auth failure.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.AuthFailure()
}

// Sentinel errors surfaced by the adapter.
var (
	ErrSymbolUnknown = errors.New("symbol not in exchange info")
	ErrOrderNotFound = errors.New("order not found")
	ErrOneWayMode    = errors.New("venue reports one-way position mode")
)
