package engine

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"github.com/stratarb/arb-engine/metrics"
	"github.com/stratarb/arb-engine/spike"
	"go.uber.org/zap"
)

const (
	// workers hydrating pending hashes off the stream read loop
	mempoolWorkers = 4
	// hashes queued for hydration; the stream drops when the queue is full
	mempoolQueueSize = 256
)

// SwapKind identifies which UniswapV2-style router method a pending
// transaction invokes.
type SwapKind string

const (
	SwapExactTokensForTokens SwapKind = "swapExactTokensForTokens"
	SwapTokensForExactTokens SwapKind = "swapTokensForExactTokens"
	SwapExactETHForTokens    SwapKind = "swapExactETHForTokens"
	SwapTokensForExactETH    SwapKind = "swapTokensForExactETH"
	SwapExactTokensForETH    SwapKind = "swapExactTokensForETH"
	SwapETHForExactTokens    SwapKind = "swapETHForExactTokens"
)

var swapSelectors = map[[4]byte]SwapKind{
	{0x38, 0xed, 0x17, 0x39}: SwapExactTokensForTokens,
	{0x88, 0x03, 0xdb, 0xee}: SwapTokensForExactTokens,
	{0x7f, 0xf3, 0x6a, 0xb5}: SwapExactETHForTokens,
	{0x4a, 0x25, 0xd9, 0x4a}: SwapTokensForExactETH,
	{0x18, 0xcb, 0xaf, 0xe5}: SwapExactTokensForETH,
	{0xfb, 0x3b, 0xdb, 0x41}: SwapETHForExactTokens,
}

// ClassifySwap matches calldata against the known V2 router selectors.
func ClassifySwap(input []byte) (SwapKind, bool) {
	if len(input) < 4 {
		return "", false
	}
	kind, ok := swapSelectors[[4]byte{input[0], input[1], input[2], input[3]}]
	return kind, ok
}

// SwapCandidate is a pending router swap worth considering as a sandwich
// victim. Candidates expire from the feed after a minute; a pending
// transaction older than that has usually either landed or been replaced.
type SwapCandidate struct {
	Hash     common.Hash
	Router   common.Address
	Kind     SwapKind
	Value    *big.Int
	GasPrice *big.Int
	Input    hexutil.Bytes
	SeenAt   time.Time
}

type MempoolConfig struct {
	// routers worth watching; empty means all
	Routers []common.Address
	// swaps moving less than this are not worth the gas to sandwich
	MinValueWei  *big.Int
	CandidateTTL time.Duration
}

// MempoolFeed follows newPendingTransactions over a websocket subscription,
// hydrates interesting hashes over the regular RPC path and keeps a rolling
// window of swap candidates. Hydration runs on a worker pool behind the read
// loop so a slow RPC round-trip never stalls stream consumption. Connection
// loss reconnects with backoff; the candidate window simply goes quiet in
// between.
type MempoolFeed struct {
	log     *zap.Logger
	rpc     RPCBackend
	backend SubscribingBackend
	cfg     MempoolConfig

	routers    map[common.Address]bool
	candidates *gocache.Cache
	hydrator   *spike.Loader[*pendingTx]
	queue      chan common.Hash
}

func NewMempoolFeed(log *zap.Logger, backend SubscribingBackend, cfg MempoolConfig) *MempoolFeed {
	if cfg.CandidateTTL == 0 {
		cfg.CandidateTTL = time.Minute
	}
	routers := make(map[common.Address]bool, len(cfg.Routers))
	for _, r := range cfg.Routers {
		routers[r] = true
	}
	f := &MempoolFeed{
		log:        log.Named("mempool"),
		rpc:        backend,
		backend:    backend,
		cfg:        cfg,
		routers:    routers,
		candidates: gocache.New(cfg.CandidateTTL, cfg.CandidateTTL),
		queue:      make(chan common.Hash, mempoolQueueSize),
	}
	// the loader caches hydrated transactions for the candidate TTL, so a
	// hash notified twice is only fetched once
	f.hydrator = spike.NewLoader(f.fetchTx, cfg.CandidateTTL)
	return f
}

// Candidates returns the current unexpired window, newest first not
// guaranteed.
func (f *MempoolFeed) Candidates() []*SwapCandidate {
	items := f.candidates.Items()
	out := make([]*SwapCandidate, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*SwapCandidate))
	}
	return out
}

// Take removes a candidate that is about to be acted on so two cycles
// cannot target the same victim.
func (f *MempoolFeed) Take(hash common.Hash) (*SwapCandidate, bool) {
	key := hash.Hex()
	val, ok := f.candidates.Get(key)
	if !ok {
		return nil, false
	}
	f.candidates.Delete(key)
	return val.(*SwapCandidate), true
}

func (f *MempoolFeed) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}

	for i := 0; i < mempoolWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case hash := <-f.queue:
					f.inspect(ctx, hash)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		for ctx.Err() == nil {
			// a successful subscription resets the policy so the next drop
			// reconnects quickly
			if err := f.follow(ctx, policy.Reset); err != nil && ctx.Err() == nil {
				f.log.Warn("mempool stream dropped", zap.Error(err))
				metrics.IncMempoolReconnects()
			}
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				policy.Reset()
				continue
			}
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}()
	return wg
}

type subscriptionNotice struct {
	Params struct {
		Result common.Hash `json:"result"`
	} `json:"params"`
}

func (f *MempoolFeed) follow(ctx context.Context, subscribed func()) error {
	url, err := f.backend.SubscribeURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// close the socket when the context ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newPendingTransactions"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		return err
	}
	subscribed()
	f.log.Info("mempool stream connected", zap.String("url", url))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var notice subscriptionNotice
		if err := json.Unmarshal(payload, &notice); err != nil {
			continue
		}
		if notice.Params.Result == (common.Hash{}) {
			continue
		}
		select {
		case f.queue <- notice.Params.Result:
		default:
			// full queue, the stream does not wait for hydration
		}
	}
}

type pendingTx struct {
	Hash     common.Hash     `json:"hash"`
	To       *common.Address `json:"to"`
	Input    hexutil.Bytes   `json:"input"`
	Value    *hexutil.Big    `json:"value"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
}

func (f *MempoolFeed) fetchTx(ctx context.Context, key string) (*pendingTx, error) {
	var tx *pendingTx
	if err := f.rpc.Call(ctx, &tx, "eth_getTransactionByHash", common.HexToHash(key)); err != nil {
		return nil, err
	}
	return tx, nil
}

func (f *MempoolFeed) inspect(ctx context.Context, hash common.Hash) {
	tx, err := f.hydrator.Get(ctx, hash.Hex())
	if err != nil || tx == nil {
		return
	}
	if candidate, ok := f.screen(tx); ok {
		f.candidates.SetDefault(candidate.Hash.Hex(), candidate)
		metrics.IncMempoolCandidates()
	}
}

// screen applies the router, selector and size filters.
func (f *MempoolFeed) screen(tx *pendingTx) (*SwapCandidate, bool) {
	if tx.To == nil {
		return nil, false
	}
	if len(f.routers) > 0 && !f.routers[*tx.To] {
		return nil, false
	}
	kind, ok := ClassifySwap(tx.Input)
	if !ok {
		return nil, false
	}
	value := new(big.Int)
	if tx.Value != nil {
		value = tx.Value.ToInt()
	}
	// the size filter only applies where the swap size is visible in the
	// transaction value, which is the ETH-paying variants
	paysETH := kind == SwapExactETHForTokens || kind == SwapETHForExactTokens
	if paysETH && f.cfg.MinValueWei != nil && value.Cmp(f.cfg.MinValueWei) < 0 {
		return nil, false
	}
	gasPrice := new(big.Int)
	if tx.GasPrice != nil {
		gasPrice = tx.GasPrice.ToInt()
	}
	return &SwapCandidate{
		Hash:     tx.Hash,
		Router:   *tx.To,
		Kind:     kind,
		Value:    value,
		GasPrice: gasPrice,
		Input:    tx.Input,
		SeenAt:   time.Now(),
	}, true
}
