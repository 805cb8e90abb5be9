package notifier

import (
	"errors"
	"fmt"
)

// ErrHalted is returned once the error count has passed the ceiling. No
// request is made; the caller should stop.
var ErrHalted = errors.New("notifier halted: too many delivery errors")

// Kind classifies a delivery failure.
type Kind int

const (
	KindTransport Kind = iota
	KindMessageNotFound
	KindForbidden
	KindUnexpectedStatus
	KindInvalidResponse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindMessageNotFound:
		return "message_not_found"
	case KindForbidden:
		return "forbidden"
	case KindUnexpectedStatus:
		return "unexpected_status"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// DeliveryError is a counted, non-fatal webhook failure.
type DeliveryError struct {
	Kind       Kind
	Method     string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s webhook %s (status %d): %v", e.Method, e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s webhook %s (status %d)", e.Method, e.Kind, e.StatusCode)
	default:
		return fmt.Sprintf("%s webhook %s: %v", e.Method, e.Kind, e.Err)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// classify maps a webhook status code to a result. nil means success.
func classify(method string, status int) *DeliveryError {
	switch status {
	case 200, 204:
		return nil
	case 404:
		return &DeliveryError{Kind: KindMessageNotFound, Method: method, StatusCode: status}
	case 403:
		return &DeliveryError{Kind: KindForbidden, Method: method, StatusCode: status}
	default:
		return &DeliveryError{Kind: KindUnexpectedStatus, Method: method, StatusCode: status}
	}
}
