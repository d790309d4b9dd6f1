package rpctier

import (
	"errors"
	"net/http"

	"github.com/ybbus/jsonrpc/v3"
)

var (
	// ErrEndpointsExhausted means every configured tier has been demoted.
	// It is fatal: callers must stop submitting work and shut down.
	ErrEndpointsExhausted = errors.New("all endpoint tiers exhausted")
	ErrRateLimited        = errors.New("endpoint rate limited")
	ErrUnknownTier        = errors.New("unknown endpoint tier")
	ErrNoSubscribeTier    = errors.New("no tier with subscribe capability")
	ErrNoTiers            = errors.New("no endpoint tiers configured")
)

// JSON-RPC error codes that providers use to signal request throttling.
// -32005 is the EIP-1474 "limit exceeded" code, -32097/-32098 are used by
// several hosted node vendors.
var rateLimitRPCCodes = map[int]bool{
	-32005: true,
	-32097: true,
	-32098: true,
}

// ErrorKind classifies an upstream call failure at the client boundary so
// failover decisions never depend on human-readable error text.
type ErrorKind uint8

const (
	// ErrorKindTransient covers network hiccups and generic upstream
	// failures. Retried on the same tier.
	ErrorKindTransient ErrorKind = iota
	// ErrorKindRateLimited triggers an immediate tier failover.
	ErrorKindRateLimited
	// ErrorKindCall is a definitive JSON-RPC error response (e.g. a
	// reverting eth_call). Surfaced to the caller untouched.
	ErrorKindCall
)

// Classify maps an error returned by the jsonrpc client to an ErrorKind.
func Classify(err error) ErrorKind {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code == http.StatusTooManyRequests {
			return ErrorKindRateLimited
		}
		return ErrorKindTransient
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if rateLimitRPCCodes[rpcErr.Code] {
			return ErrorKindRateLimited
		}
		return ErrorKindCall
	}

	return ErrorKindTransient
}
