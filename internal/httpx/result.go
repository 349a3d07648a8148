package httpx

import "peerlink/native/internal/domain"

// Code classifies how an exchange ended.
type Code = domain.Code

const (
	Success               = domain.Success
	GenericFailure        = domain.GenericFailure
	NameResolutionFailure = domain.NameResolutionFailure
	ConnectionFailure     = domain.ConnectionFailure
	SendFailure           = domain.SendFailure
	ReceiveFailure        = domain.ReceiveFailure
	ParseFailure          = domain.ParseFailure
)

// Result is the outcome of one exchange. Only a Success result carries a
// status, headers and body.
type Result struct {
	Code   Code
	Status int
	Header Header
	Body   []byte
}

// OK reports a successful exchange with a 200 status.
func (r Result) OK() bool {
	return r.Code == Success && r.Status == 200
}

func failure(code Code) Result {
	return Result{Code: code}
}
