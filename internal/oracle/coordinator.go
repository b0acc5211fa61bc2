// ============================================================================
// 隨機數協調器 - commit / reveal 生命週期
// ============================================================================
//
// Package: internal/oracle
// 文件: coordinator.go
// 功能: 為每個盒子驅動一次 oracle 往返
//
// 請求狀態轉換:
//   Unrequested
//      ↓ CreateRequest()
//   Created
//      ↓ Commit() / CreateAndCommit()
//   Committed ──────────────┐
//      ↓ Reveal()           │ 重試用盡 / 非網路錯誤 → 保持 Committed
//   Revealing ──────────────┘
//      ↓ 提交成功
//   Revealed
//
//   CreateAndCommit 提交失敗 → Failed (帳戶留給外部清理)
//
// Reveal 重試策略:
//   - 每次嘗試先走主 gateway；gateway 類錯誤時改走 fallback gateway，
//     用已存的 oracle/queue/authority/seed 手動組裝 reveal 指令
//   - 只有網路類錯誤才退避重試，間隔 attempt × BackoffStep
//   - 非網路錯誤立即返回
//   - 用盡後返回 *types.RevealExhaustedError，附帶最後一個錯誤
//
// 並發安全:
//   - requests map 由 sync.Mutex 保護
//   - 網路呼叫期間不持鎖；committing / Revealing 標記防止重入
//
// ============================================================================

package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/frommybrain/fatebox/internal/cache"
	"github.com/frommybrain/fatebox/internal/clock"
	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/pkg/types"
)

const (
	DefaultMaxRetries   = 3
	DefaultBackoffStep  = 2 * time.Second
	DefaultQueueTTL     = 5 * time.Minute
	DefaultConfirmWait  = 30 * time.Second
	DefaultPollInterval = time.Second
)

// Config 協調器配置
type Config struct {
	Network   string          `yaml:"network"`
	ProgramID types.PublicKey `yaml:"program_id"`
	RPCURL    string          `yaml:"rpc_url"`

	// MaxRetries is the total number of reveal attempts.
	MaxRetries  int           `yaml:"max_retries"`
	BackoffStep time.Duration `yaml:"backoff_step"`

	QueueTTL time.Duration `yaml:"queue_ttl"`

	// GatewayRPS <= 0 disables rate limiting.
	GatewayRPS   float64 `yaml:"gateway_rps"`
	GatewayBurst int     `yaml:"gateway_burst"`

	// OracleSigners maps an oracle account to its compressed secp256k1 key.
	// Fallback payloads from a listed oracle are verified before use.
	OracleSigners map[types.PublicKey][]byte `yaml:"-"`

	ConfirmWait  time.Duration `yaml:"confirm_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the production retry and polling settings.
func DefaultConfig(network string) Config {
	return Config{
		Network:      network,
		MaxRetries:   DefaultMaxRetries,
		BackoffStep:  DefaultBackoffStep,
		QueueTTL:     DefaultQueueTTL,
		ConfirmWait:  DefaultConfirmWait,
		PollInterval: DefaultPollInterval,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = DefaultBackoffStep
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = DefaultQueueTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.GatewayBurst <= 0 {
		c.GatewayBurst = 1
	}
}

// Dependencies are the collaborators of a Coordinator. Fallback, Clock and
// Recorder are optional.
type Dependencies struct {
	Gateway   Gateway
	Fallback  FallbackGateway
	Submitter Submitter
	Reader    AccountReader
	Queues    QueueResolver
	Clock     clock.Clock
	Recorder  Recorder
}

// RevealResult is the outcome of a successful reveal.
type RevealResult struct {
	Handle       types.PublicKey
	Value        Value
	Fraction     reward.Fraction
	Submission   string
	Attempts     int
	UsedFallback bool
}

// Coordinator 隨機數協調器
type Coordinator struct {
	cfg       Config
	gateway   Gateway
	fallback  FallbackGateway
	submitter Submitter
	reader    AccountReader
	resolver  QueueResolver
	clock     clock.Clock
	recorder  Recorder
	limiter   *rate.Limiter
	queues    *cache.TTL[string, types.PublicKey]
	logger    *slog.Logger

	mu       sync.Mutex
	requests map[types.PublicKey]*Request
}

// NewCoordinator validates deps and builds a coordinator.
func NewCoordinator(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Gateway == nil || deps.Submitter == nil || deps.Reader == nil || deps.Queues == nil {
		return nil, fmt.Errorf("%w: coordinator needs gateway, submitter, reader and queue resolver", types.ErrInvalidConfig)
	}
	if cfg.Network == "" {
		return nil, fmt.Errorf("%w: network is required", types.ErrInvalidConfig)
	}
	cfg.applyDefaults()

	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	rec := deps.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	limit := rate.Inf
	if cfg.GatewayRPS > 0 {
		limit = rate.Limit(cfg.GatewayRPS)
	}

	return &Coordinator{
		cfg:       cfg,
		gateway:   deps.Gateway,
		fallback:  deps.Fallback,
		submitter: deps.Submitter,
		reader:    deps.Reader,
		resolver:  deps.Queues,
		clock:     clk,
		recorder:  rec,
		limiter:   rate.NewLimiter(limit, cfg.GatewayBurst),
		queues:    cache.NewTTL[string, types.PublicKey](cfg.QueueTTL, clk),
		logger:    slog.With("component", "oracle", "network", cfg.Network),
		requests:  make(map[types.PublicKey]*Request),
	}, nil
}

// ============================================================================
// Create / Commit
// ============================================================================

// CreateRequest allocates a randomness account funded by funder and returns
// the instruction that creates it.
func (c *Coordinator) CreateRequest(ctx context.Context, funder types.PublicKey) (CreateResult, error) {
	queue, err := c.queue(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return CreateResult{}, err
	}

	res, err := c.gateway.CreateInstruction(ctx, CreateParams{Queue: queue, Funder: funder})
	if err != nil {
		return CreateResult{}, Classify(fmt.Errorf("create randomness: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.requests[res.Handle]; exists {
		return CreateResult{}, fmt.Errorf("%w: randomness handle %s already registered", types.ErrInvalidTransition, res.Handle)
	}
	c.requests[res.Handle] = &Request{
		Handle:    res.Handle,
		Queue:     queue,
		State:     RequestCreated,
		CreatedAt: c.clock.Now(),
	}
	c.logger.Debug("randomness created", "handle", res.Handle)
	return res, nil
}

// Commit binds handle to the oracle's next round and returns the commit
// instruction. authority is supplied by the caller rather than read back
// from the ledger, since the account may not exist yet.
func (c *Coordinator) Commit(ctx context.Context, handle, authority types.PublicKey) (Instruction, error) {
	c.mu.Lock()
	req, ok := c.requests[handle]
	if !ok {
		c.mu.Unlock()
		return Instruction{}, fmt.Errorf("%w: randomness %s", types.ErrNotFound, handle)
	}
	if req.committing || req.State == RequestCommitted || req.State == RequestRevealing || req.State == RequestRevealed {
		c.mu.Unlock()
		return Instruction{}, fmt.Errorf("%w: randomness %s", types.ErrAlreadyCommitted, handle)
	}
	if req.State != RequestCreated || req.Closed {
		state := req.State
		c.mu.Unlock()
		return Instruction{}, fmt.Errorf("%w: cannot commit randomness %s in state %s", types.ErrInvalidTransition, handle, state)
	}
	req.committing = true
	queue := req.Queue
	c.mu.Unlock()

	res, err := c.commitInstruction(ctx, handle, queue, authority)

	c.mu.Lock()
	defer c.mu.Unlock()
	req.committing = false
	if err != nil {
		return Instruction{}, err
	}
	req.Authority = authority
	req.Oracle = res.Oracle
	req.SeedSlot = res.SeedSlot
	req.SeedHash = res.SeedHash
	req.State = RequestCommitted
	req.CommittedAt = c.clock.Now()
	c.logger.Debug("randomness committed", "handle", handle, "oracle", res.Oracle, "seed_slot", res.SeedSlot)
	return res.Instruction, nil
}

func (c *Coordinator) commitInstruction(ctx context.Context, handle, queue, authority types.PublicKey) (CommitResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return CommitResult{}, err
	}
	res, err := c.gateway.CommitInstruction(ctx, CommitParams{Handle: handle, Queue: queue, Authority: authority})
	if err != nil {
		return CommitResult{}, Classify(fmt.Errorf("commit randomness: %w", err))
	}
	return res, nil
}

// CreateAndCommit creates and commits a randomness account in a single
// submission paid by payer. On submission failure the request is marked
// Failed and the account is left for the external sweep.
func (c *Coordinator) CreateAndCommit(ctx context.Context, funder, authority, payer types.PublicKey) (Request, error) {
	created, err := c.CreateRequest(ctx, funder)
	if err != nil {
		return Request{}, err
	}
	commitIx, err := c.Commit(ctx, created.Handle, authority)
	if err != nil {
		c.markFailed(created.Handle, err.Error())
		return Request{}, err
	}

	bundle := Bundle{
		Label:        "create+commit",
		Instructions: []Instruction{created.Instruction, commitIx},
		FeePayer:     payer,
	}
	if len(created.Signer) > 0 {
		bundle.Signers = [][]byte{created.Signer}
	}

	sub, err := c.submitter.Submit(ctx, bundle)
	if err != nil {
		err = Classify(fmt.Errorf("submit create+commit: %w", err))
		c.markFailed(created.Handle, err.Error())
		c.logger.Warn("create+commit submission failed", "handle", created.Handle, "error", err)
		return Request{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.requests[created.Handle]
	req.Submission = sub
	return *req, nil
}

// ============================================================================
// Reveal
// ============================================================================

// Reveal reveals handle with the configured number of attempts. A non-nil
// payer pays for and signs the reveal in place of the authority.
func (c *Coordinator) Reveal(ctx context.Context, handle types.PublicKey, payer *types.PublicKey) (RevealResult, error) {
	return c.RevealWithRetries(ctx, handle, payer, c.cfg.MaxRetries)
}

// RevealWithRetries is Reveal with an explicit attempt count.
func (c *Coordinator) RevealWithRetries(ctx context.Context, handle types.PublicKey, payer *types.PublicKey, maxRetries int) (RevealResult, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	req, err := c.beginReveal(handle)
	if err != nil {
		return RevealResult{}, err
	}

	// Already submitted by an earlier call: only the value is outstanding.
	if req.State == RequestRevealed {
		if !req.RevealedValue.IsZero() {
			return RevealResult{
				Handle:     handle,
				Value:      req.RevealedValue,
				Fraction:   req.RevealedValue.Fraction(),
				Submission: req.Submission,
			}, nil
		}
		return c.awaitValue(ctx, RevealResult{Handle: handle, Submission: req.Submission})
	}

	var last error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		sub, usedFallback, err := c.revealOnce(ctx, req, payer)
		if err == nil {
			c.finishReveal(handle, sub)
			c.logger.Info("randomness reveal submitted",
				"handle", handle, "attempt", attempt, "fallback", usedFallback)
			return c.awaitValue(ctx, RevealResult{
				Handle:       handle,
				Submission:   sub,
				Attempts:     attempt,
				UsedFallback: usedFallback,
			})
		}

		last = Classify(err)
		if !IsNetwork(last) {
			c.abortReveal(handle)
			return RevealResult{}, last
		}
		if attempt == maxRetries {
			break
		}

		backoff := time.Duration(attempt) * c.cfg.BackoffStep
		c.recorder.RecordRevealRetry()
		c.logger.Warn("reveal attempt failed, backing off",
			"handle", handle, "attempt", attempt, "max", maxRetries, "backoff", backoff, "error", last)
		if err := c.clock.Sleep(ctx, backoff); err != nil {
			c.abortReveal(handle)
			return RevealResult{}, err
		}
	}

	c.abortReveal(handle)
	c.logger.Error("reveal retries exhausted", "handle", handle, "attempts", maxRetries, "error", last)
	return RevealResult{}, &types.RevealExhaustedError{Attempts: maxRetries, Last: last}
}

// beginReveal moves a Committed request to Revealing and returns a snapshot.
// A Revealed request is returned as is.
func (c *Coordinator) beginReveal(handle types.PublicKey) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[handle]
	if !ok {
		return Request{}, fmt.Errorf("%w: randomness %s", types.ErrNotFound, handle)
	}
	if req.Closed {
		return Request{}, fmt.Errorf("%w: randomness %s is closed", types.ErrInvalidTransition, handle)
	}
	switch req.State {
	case RequestCommitted:
		req.State = RequestRevealing
		return *req, nil
	case RequestRevealed:
		return *req, nil
	case RequestRevealing:
		return Request{}, fmt.Errorf("%w: reveal of %s already in progress", types.ErrInvalidTransition, handle)
	default:
		return Request{}, fmt.Errorf("%w: cannot reveal randomness %s in state %s", types.ErrInvalidTransition, handle, req.State)
	}
}

func (c *Coordinator) finishReveal(handle types.PublicKey, submission string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.requests[handle]
	req.State = RequestRevealed
	req.Submission = submission
}

// abortReveal returns a Revealing request to Committed so it can be retried.
func (c *Coordinator) abortReveal(handle types.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req := c.requests[handle]; req != nil && req.State == RequestRevealing {
		req.State = RequestCommitted
	}
}

func (c *Coordinator) revealOnce(ctx context.Context, req Request, payer *types.PublicKey) (string, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, err
	}

	feePayer := req.Authority
	if payer != nil {
		feePayer = *payer
	}

	usedFallback := false
	ix, err := c.gateway.RevealInstruction(ctx, RevealParams{
		Handle:    req.Handle,
		Queue:     req.Queue,
		Authority: req.Authority,
	})
	if err != nil {
		if c.fallback == nil || !IsGatewayError(err) {
			return "", false, err
		}
		c.logger.Warn("primary gateway failed, using fallback", "handle", req.Handle, "error", err)
		ix, err = c.fallbackReveal(ctx, req, feePayer)
		if err != nil {
			return "", true, err
		}
		usedFallback = true
		c.recorder.RecordFallback()
	}

	if payer != nil {
		ix = SponsorSigners(ix, req.Handle, *payer)
	}

	sub, err := c.submitter.Submit(ctx, Bundle{
		Label:        "reveal",
		Instructions: []Instruction{ix},
		FeePayer:     feePayer,
	})
	if err != nil {
		return "", usedFallback, fmt.Errorf("submit reveal: %w", err)
	}
	return sub, usedFallback, nil
}

func (c *Coordinator) fallbackReveal(ctx context.Context, req Request, payer types.PublicKey) (Instruction, error) {
	signed, err := c.fallback.FetchReveal(ctx, RevealQuery{
		Handle:    req.Handle,
		Oracle:    req.Oracle,
		Queue:     req.Queue,
		Authority: req.Authority,
		SeedSlot:  req.SeedSlot,
		SeedHash:  req.SeedHash,
		RPCURL:    c.cfg.RPCURL,
	})
	if err != nil {
		return Instruction{}, err
	}
	if signer, ok := c.cfg.OracleSigners[req.Oracle]; ok {
		if err := VerifyReveal(req, signed, signer); err != nil {
			return Instruction{}, err
		}
	}
	return AssembleReveal(c.cfg.ProgramID, req, payer, signed), nil
}

func (c *Coordinator) awaitValue(ctx context.Context, res RevealResult) (RevealResult, error) {
	v, err := c.WaitForValue(ctx, res.Handle, c.cfg.ConfirmWait, c.cfg.PollInterval)
	if err != nil {
		return RevealResult{}, err
	}

	c.mu.Lock()
	if req := c.requests[res.Handle]; req != nil {
		req.RevealedValue = v
		req.RevealedAt = c.clock.Now()
	}
	c.mu.Unlock()

	res.Value = v
	res.Fraction = v.Fraction()
	return res, nil
}

// ============================================================================
// Reading values
// ============================================================================

// ReadValue reads the revealed payload of handle from the ledger. The value
// is zero until the oracle has revealed.
func (c *Coordinator) ReadValue(ctx context.Context, handle types.PublicKey) (Value, error) {
	data, err := c.reader.GetAccount(ctx, handle)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return Value{}, err
		}
		return Value{}, Classify(fmt.Errorf("read randomness %s: %w", handle, err))
	}
	return DecodeValue(data)
}

// WaitForValue polls handle every pollInterval until a non-zero value
// appears, giving up with types.ErrTimeout after maxWait. An all-zero value
// is treated as not yet revealed.
func (c *Coordinator) WaitForValue(ctx context.Context, handle types.PublicKey, maxWait, pollInterval time.Duration) (Value, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	deadline := c.clock.Now().Add(maxWait)

	for {
		v, err := c.ReadValue(ctx, handle)
		switch {
		case err == nil && !v.IsZero():
			return v, nil
		case err == nil,
			errors.Is(err, types.ErrNotReady),
			errors.Is(err, types.ErrNotFound),
			IsNetwork(err):
		default:
			return Value{}, err
		}

		if !c.clock.Now().Before(deadline) {
			return Value{}, fmt.Errorf("%w: randomness %s not revealed within %s", types.ErrTimeout, handle, maxWait)
		}
		if err := c.clock.Sleep(ctx, pollInterval); err != nil {
			return Value{}, err
		}
	}
}

// ============================================================================
// Registry
// ============================================================================

// Get returns a snapshot of the request for handle.
func (c *Coordinator) Get(handle types.PublicKey) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[handle]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Close retires handle. A closed request is never revealed or committed
// again and its handle cannot be re-registered.
func (c *Coordinator) Close(handle types.PublicKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[handle]
	if !ok {
		return fmt.Errorf("%w: randomness %s", types.ErrNotFound, handle)
	}
	if req.State == RequestRevealing {
		return fmt.Errorf("%w: reveal of %s in progress", types.ErrInvalidTransition, handle)
	}
	req.Closed = true
	return nil
}

func (c *Coordinator) markFailed(handle types.PublicKey, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req := c.requests[handle]; req != nil {
		req.State = RequestFailed
		req.FailReason = reason
	}
}

// queue resolves the oracle queue for the configured network, cached for
// QueueTTL.
func (c *Coordinator) queue(ctx context.Context) (types.PublicKey, error) {
	q, err := c.queues.GetOrFetch(ctx, c.cfg.Network, func(ctx context.Context) (types.PublicKey, error) {
		return c.resolver.ResolveQueue(ctx, c.cfg.Network)
	})
	if err != nil {
		if errors.Is(err, types.ErrOracleUnavailable) {
			return q, err
		}
		return q, fmt.Errorf("%w: resolve queue for %s: %w", types.ErrOracleUnavailable, c.cfg.Network, err)
	}
	return q, nil
}
