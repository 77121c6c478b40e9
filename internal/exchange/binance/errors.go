// Package binance is the exchange gateway for Binance USDT-margined futures:
// a signed REST client and a kline WebSocket consumer.
package binance

import (
	"errors"
	"fmt"
)

// Kind tags a GatewayError so callers can branch on retryability without
// string-matching messages.
type Kind int

const (
	// KindTransient covers network hiccups and 5xx responses worth a retry.
	KindTransient Kind = iota
	// KindAuth covers signature/timestamp rejections (-1022, -2015).
	KindAuth
	// KindExchangeReject covers well-formed requests the exchange refused
	// (insufficient margin, invalid quantity, etc).
	KindExchangeReject
	// KindNotFound covers order/position lookups that found nothing.
	KindNotFound
	// KindNetwork covers transport-level failures below the HTTP layer.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindExchangeReject:
		return "exchange_reject"
	case KindNotFound:
		return "not_found"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// GatewayError is the exchange gateway's single error type. Code is
// Binance's numeric error code (0 when the failure never reached Binance).
type GatewayError struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("binance: %s (code=%d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("binance: %s (code=%d): %s", e.Kind, e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the caller should retry the request unchanged
// (or, for timestamp skew, after resyncing the clock).
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindNetwork || e.Code == errCodeTimestampSkew
}

// errCodeTimestampSkew is Binance's "Timestamp for this request is outside
// of the recvWindow" code. The signed-request helper resyncs the server
// time offset and retries exactly once when it sees this code.
const errCodeTimestampSkew = -1021

func newGatewayError(kind Kind, code int, msg string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Code: code, Message: msg, Err: err}
}

// IsNotFound reports whether err is a GatewayError tagged KindNotFound.
func IsNotFound(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == KindNotFound
	}
	return false
}
