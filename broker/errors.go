package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits,
	// 5xx-class responses.
	ErrTransient = errors.New("gateway transient error")
	// ErrRejected marks orders the gateway refused: invalid parameters,
	// insufficient balance. Never retried under the same id.
	ErrRejected = errors.New("gateway rejected order")
	// ErrUnknownOrder is returned for a client order id the gateway has
	// never seen.
	ErrUnknownOrder = errors.New("unknown order")
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRejected
)

func (k ErrorKind) String() string {
	if k == KindRejected {
		return "rejected"
	}
	return "transient"
}

type GatewayError struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s %s: %s", e.Kind, e.Code, e.Msg)
}

func (e *GatewayError) Unwrap() error {
	if e.Kind == KindRejected {
		return ErrRejected
	}
	return ErrTransient
}

func Transient(code, msg string) error { return &GatewayError{Kind: KindTransient, Code: code, Msg: msg} }
func Reject(code, msg string) error    { return &GatewayError{Kind: KindRejected, Code: code, Msg: msg} }

// Classify maps any gateway error to a kind. Only explicit rejections are
// final; timeouts and unrecognized errors are transient because the order
// may still exist on the exchange.
func Classify(err error) ErrorKind {
	if errors.Is(err, ErrRejected) {
		return KindRejected
	}
	return KindTransient
}
