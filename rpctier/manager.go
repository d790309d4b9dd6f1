// Package rpctier manages a prioritized list of upstream network endpoints.
//
// Tiers are totally ordered by configured priority. Every request is
// dispatched against the current tier; a rate-limit classified failure
// demotes the current tier to the next one in the fallback sequence, while
// generic errors are retried a bounded number of times on the same tier.
// Once the sequence is exhausted ErrEndpointsExhausted is returned and must
// be treated as fatal by the caller.
//
// The current-tier pointer never recovers to a higher-priority tier on its
// own. Recovery happens through Reset, either from the admin API or from the
// periodic health checker started with RunRecovery.
package rpctier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"

	"github.com/stratarb/arb-engine/metrics"
)

const (
	maxTransientRetries = 3
	transientRetryWait  = 200 * time.Millisecond
)

type Tier struct {
	Name     string
	Priority int
	WSURL    string

	caps   Capability
	client jsonrpc.RPCClient

	requests    atomic.Uint64
	failures    atomic.Uint64
	lastFailure atomic.Int64 // unix seconds, 0 if never
}

func (t *Tier) Capabilities() Capability {
	return t.caps
}

type TierStatus struct {
	Name        string    `json:"name"`
	Priority    int       `json:"priority"`
	Current     bool      `json:"current"`
	Requests    uint64    `json:"requests"`
	Failures    uint64    `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

type Manager struct {
	log   *zap.Logger
	tiers []*Tier // sorted by priority, index 0 is primary

	current atomic.Pointer[Tier]

	// demotions are serialized so two concurrent rate-limit reports on the
	// same tier advance the pointer once, not twice
	demoteMu sync.Mutex
}

func NewManager(log *zap.Logger, config *Config) (*Manager, error) {
	if config == nil || len(config.Tiers) == 0 {
		return nil, ErrNoTiers
	}
	log = log.Named("rpctier")
	tiers := make([]*Tier, 0, len(config.Tiers))
	for _, tc := range config.Tiers {
		caps, err := parseCapabilities(tc.Capabilities)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, &Tier{
			Name:     tc.Name,
			Priority: tc.Priority,
			WSURL:    tc.WSURL,
			caps:     caps,
			client:   jsonrpc.NewClient(tc.HTTPURL),
		})
	}
	m := &Manager{
		log:   log,
		tiers: tiers,
	}
	m.current.Store(tiers[0])
	return m, nil
}

// Acquire returns the tier that new requests should be dispatched against.
func (m *Manager) Acquire() *Tier {
	return m.current.Load()
}

// Call dispatches a JSON-RPC request on the current tier, handling transient
// retries and rate-limit failover. result must be a pointer.
func (m *Manager) Call(ctx context.Context, result any, method string, params ...any) error {
	var lastErr error
	for {
		tier := m.current.Load()

		for attempt := 0; attempt < maxTransientRetries; attempt++ {
			tier.requests.Add(1)
			err := tier.client.CallFor(ctx, result, method, params...)
			if err == nil {
				return nil
			}
			lastErr = err

			switch Classify(err) {
			case ErrorKindCall:
				return err
			case ErrorKindRateLimited:
				m.ReportFailure(tier, err)
				next, ok := m.demote(tier)
				if !ok {
					return errors.Join(ErrEndpointsExhausted, lastErr)
				}
				m.log.Warn("rate limited, failing over",
					zap.String("method", method),
					zap.String("from", tier.Name),
					zap.String("to", next.Name))
				attempt = maxTransientRetries // break inner loop, retry on the new tier
			case ErrorKindTransient:
				if ctx.Err() != nil {
					return errors.Join(ctx.Err(), lastErr)
				}
				m.log.Debug("transient endpoint error, retrying",
					zap.String("method", method),
					zap.String("tier", tier.Name),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				if attempt == maxTransientRetries-1 {
					m.ReportFailure(tier, err)
					return lastErr
				}
				select {
				case <-ctx.Done():
					return errors.Join(ctx.Err(), lastErr)
				case <-time.After(transientRetryWait):
				}
			}
		}
	}
}

// ReportFailure records a call failure against a tier.
func (m *Manager) ReportFailure(tier *Tier, err error) {
	tier.failures.Add(1)
	tier.lastFailure.Store(time.Now().Unix())
}

// demote advances the current-tier pointer to the next tier in the fallback
// sequence. Returns false if tier was the last one. A no-op when another
// demotion already moved the pointer past tier.
func (m *Manager) demote(tier *Tier) (*Tier, bool) {
	m.demoteMu.Lock()
	defer m.demoteMu.Unlock()

	current := m.current.Load()
	if current != tier {
		// someone else already failed over
		return current, true
	}
	for i, t := range m.tiers {
		if t == tier {
			if i+1 >= len(m.tiers) {
				return nil, false
			}
			m.current.Store(m.tiers[i+1])
			metrics.IncTierFailovers()
			return m.tiers[i+1], true
		}
	}
	return nil, false
}

// Force switches the current tier by name, bypassing the fallback order.
func (m *Manager) Force(name string) error {
	for _, t := range m.tiers {
		if t.Name == name {
			m.current.Store(t)
			m.log.Info("forced tier switch", zap.String("tier", name))
			return nil
		}
	}
	return ErrUnknownTier
}

// Reset points the manager back at the primary tier.
func (m *Manager) Reset() {
	m.current.Store(m.tiers[0])
	m.log.Info("reset to primary tier", zap.String("tier", m.tiers[0].Name))
}

// Healthy probes the current tier with a cheap read call.
func (m *Manager) Healthy(ctx context.Context) bool {
	_, err := m.BlockNumber(ctx)
	return err == nil
}

func (m *Manager) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := m.Call(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// SubscribeURL returns the websocket URL to use for streaming subscriptions:
// the current tier if it is capable, otherwise the first capable tier.
func (m *Manager) SubscribeURL() (string, error) {
	current := m.current.Load()
	if current.caps.Has(CapSubscribe) && current.WSURL != "" {
		return current.WSURL, nil
	}
	for _, t := range m.tiers {
		if t.caps.Has(CapSubscribe) && t.WSURL != "" {
			return t.WSURL, nil
		}
	}
	return "", ErrNoSubscribeTier
}

func (m *Manager) Status() []TierStatus {
	current := m.current.Load()
	out := make([]TierStatus, 0, len(m.tiers))
	for _, t := range m.tiers {
		status := TierStatus{
			Name:     t.Name,
			Priority: t.Priority,
			Current:  t == current,
			Requests: t.requests.Load(),
			Failures: t.failures.Load(),
		}
		if ts := t.lastFailure.Load(); ts != 0 {
			status.LastFailure = time.Unix(ts, 0)
		}
		out = append(out, status)
	}
	return out
}

// RunRecovery starts the periodic health checker that promotes the manager
// back to the primary tier once the primary answers probes again.
func (m *Manager) RunRecovery(ctx context.Context, interval time.Duration) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.current.Load() == m.tiers[0] {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				var result hexutil.Uint64
				err := m.tiers[0].client.CallFor(probeCtx, &result, "eth_blockNumber")
				cancel()
				if err != nil {
					m.log.Debug("primary tier still unhealthy", zap.Error(err))
					continue
				}
				m.Reset()
			}
		}
	}()
	return wg
}
