// Package adminrpc exposes the operator controls as JSON RPC methods:
// status inspection, kill switch trip and reset, and endpoint tier
// overrides. It is meant to be bound to a private interface only.
package adminrpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/stratarb/arb-engine/engine"
	"github.com/stratarb/arb-engine/rpctier"
	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type methodFunc func(ctx context.Context, params []json.RawMessage) (any, error)

type Handler struct {
	methods map[string]methodFunc
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := method(r.Context(), req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeCustomError, err.Error())
		return
	}
	marshaled, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	raw := json.RawMessage(marshaled)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &raw,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Service wires the running components behind the operator methods.
type Service struct {
	log       *zap.Logger
	scheduler *engine.Scheduler
	risk      *engine.RiskGovernor
	tiers     *rpctier.Manager
	pricer    *engine.GasPricer
	store     engine.TradeStore
}

func NewService(log *zap.Logger, scheduler *engine.Scheduler, risk *engine.RiskGovernor, tiers *rpctier.Manager, pricer *engine.GasPricer, store engine.TradeStore) *Service {
	return &Service{
		log:       log.Named("adminrpc"),
		scheduler: scheduler,
		risk:      risk,
		tiers:     tiers,
		pricer:    pricer,
		store:     store,
	}
}

func (s *Service) Handler() *Handler {
	return &Handler{methods: map[string]methodFunc{
		"arb_status":       s.status,
		"arb_trip":         s.trip,
		"arb_resetRisk":    s.resetRisk,
		"arb_forceTier":    s.forceTier,
		"arb_resetTiers":   s.resetTiers,
		"arb_recentTrades": s.recentTrades,
		"arb_shutdown":     s.shutdown,
	}}
}

type StatusResult struct {
	Halted       bool                 `json:"halted"`
	CurrentBlock uint64               `json:"currentBlock"`
	AvgTipGwei   float64              `json:"avgTipGwei"`
	GasTrend     engine.GasTrend      `json:"gasTrend"`
	Risk         engine.RiskStatus    `json:"risk"`
	Tiers        []rpctier.TierStatus `json:"tiers"`
}

func (s *Service) status(_ context.Context, _ []json.RawMessage) (any, error) {
	return StatusResult{
		Halted:       s.scheduler.Halted(),
		CurrentBlock: s.scheduler.CurrentBlock(),
		AvgTipGwei:   s.pricer.AverageGwei(),
		GasTrend:     s.pricer.Trend(),
		Risk:         s.risk.Status(),
		Tiers:        s.tiers.Status(),
	}, nil
}

func (s *Service) trip(ctx context.Context, params []json.RawMessage) (any, error) {
	reason := "tripped by operator"
	if len(params) > 0 {
		if err := json.Unmarshal(params[0], &reason); err != nil {
			return nil, err
		}
	}
	s.risk.Trip(ctx, reason)
	return true, nil
}

func (s *Service) resetRisk(_ context.Context, _ []json.RawMessage) (any, error) {
	s.log.Warn("risk reset requested")
	s.risk.Reset()
	return true, nil
}

func (s *Service) forceTier(_ context.Context, params []json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, rpctier.ErrUnknownTier
	}
	var name string
	if err := json.Unmarshal(params[0], &name); err != nil {
		return nil, err
	}
	if err := s.tiers.Force(name); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) resetTiers(_ context.Context, _ []json.RawMessage) (any, error) {
	s.tiers.Reset()
	return true, nil
}

func (s *Service) recentTrades(ctx context.Context, params []json.RawMessage) (any, error) {
	limit := 20
	if len(params) > 0 {
		if err := json.Unmarshal(params[0], &limit); err != nil {
			return nil, err
		}
	}
	return s.store.RecentTrades(ctx, limit)
}

func (s *Service) shutdown(ctx context.Context, params []json.RawMessage) (any, error) {
	reason := "shutdown requested by operator"
	if len(params) > 0 {
		if err := json.Unmarshal(params[0], &reason); err != nil {
			return nil, err
		}
	}
	s.scheduler.EmergencyShutdown(ctx, reason)
	return true, nil
}
