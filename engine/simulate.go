package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stratarb/arb-engine/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

// SimVerdict is the outcome of a pre-submission dry run.
type SimVerdict uint8

const (
	// SimOK: the call executed and returned data.
	SimOK SimVerdict = iota
	// SimReverted: the node reported an execution revert. Hard stop.
	SimReverted
	// SimAmbiguous: the node errored but not with a revert. The caller
	// decides whether to proceed.
	SimAmbiguous
)

func (v SimVerdict) String() string {
	switch v {
	case SimOK:
		return "ok"
	case SimReverted:
		return "reverted"
	case SimAmbiguous:
		return "ambiguous"
	}
	return "unknown"
}

type SimResult struct {
	Verdict    SimVerdict
	ReturnData []byte
	Reason     string
}

// execution revert surfaces either as the standard revert code or as a
// generic -32000 with a revert message, depending on the node vendor
var revertRPCCodes = map[int]bool{
	3:      true,
	-32000: true,
}

// Simulator dry-runs an intent with eth_call before it is signed. A revert
// rejects the intent; any other node-side error is reported as ambiguous
// and left to the caller's judgement. Transport failures are returned as
// errors, not verdicts.
type Simulator struct {
	log *zap.Logger
	rpc RPCBackend
}

func NewSimulator(log *zap.Logger, rpc RPCBackend) *Simulator {
	return &Simulator{log: log.Named("sim"), rpc: rpc}
}

func (s *Simulator) Simulate(ctx context.Context, from string, intent *TxIntent) (*SimResult, error) {
	msg := map[string]any{
		"from": from,
		"to":   intent.To,
		"data": intent.Data,
	}
	if intent.Value != nil {
		msg["value"] = intent.Value
	}
	if intent.Gas > 0 {
		msg["gas"] = hexutil.Uint64(intent.Gas)
	}

	var ret hexutil.Bytes
	err := s.rpc.Call(ctx, &ret, "eth_call", msg, "latest")
	if err == nil {
		return &SimResult{Verdict: SimOK, ReturnData: ret}, nil
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if revertRPCCodes[rpcErr.Code] || strings.Contains(strings.ToLower(rpcErr.Message), "revert") {
			metrics.IncSimulationsRejected()
			return &SimResult{Verdict: SimReverted, Reason: rpcErr.Message}, nil
		}
		metrics.IncSimulationsAmbiguous()
		s.log.Warn("ambiguous simulation result",
			zap.Int("code", rpcErr.Code), zap.String("message", rpcErr.Message))
		return &SimResult{Verdict: SimAmbiguous, Reason: rpcErr.Message}, nil
	}
	return nil, err
}
