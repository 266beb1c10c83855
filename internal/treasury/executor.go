package treasury

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"USDC-Treasurer/internal/chain"
	"USDC-Treasurer/internal/config"
	xerrors "USDC-Treasurer/internal/errors"
	"USDC-Treasurer/internal/ledger"
	"USDC-Treasurer/internal/nonce"
	"USDC-Treasurer/internal/observability/alerting"
	"USDC-Treasurer/internal/observability/metrics"
	"USDC-Treasurer/internal/signer"
	"USDC-Treasurer/pkg/logger"
)

// Policy 是执行器的全部策略参数，由配置换算成运行时单位。
type Policy struct {
	PerTransferCap      uint64
	WindowCap           uint64
	Window              time.Duration
	SubmitMaxRetries    int
	SubmitBackoff       time.Duration
	SubmitBackoffCap    time.Duration
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	FeeFloorWei         uint64
	GasLimit            uint64
	// DiscrepancyTolerance 是执行前余额核对允许的偏差（最小单位）。
	DiscrepancyTolerance uint64
}

// PolicyFromConfig 将配置文件里的策略字段换算成 Policy。
func PolicyFromConfig(cfg config.TreasuryConfig) Policy {
	return Policy{
		PerTransferCap:       cfg.PerTransferCap,
		WindowCap:            cfg.WindowCap,
		Window:               time.Duration(cfg.WindowHours) * time.Hour,
		SubmitMaxRetries:     cfg.SubmitMaxRetries,
		SubmitBackoff:        time.Duration(cfg.SubmitBackoffMS) * time.Millisecond,
		SubmitBackoffCap:     time.Duration(cfg.SubmitBackoffCapMS) * time.Millisecond,
		ConfirmPollInterval:  time.Duration(cfg.ConfirmPollSeconds) * time.Second,
		ConfirmTimeout:       time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second,
		FeeFloorWei:          cfg.FeeFloorWei,
		GasLimit:             cfg.GasLimit,
		DiscrepancyTolerance: cfg.DiscrepancyTolerance,
	}
}

// Executor 驱动转账尝试的状态机。每次迁移先落账本再推进，
// 预留 nonce 到广播完成的临界区由互斥锁串行化，确认轮询不持锁。
type Executor struct {
	ledger ledger.Ledger
	client chain.Client
	signer *signer.Signer
	nonces *nonce.Manager
	policy Policy

	alerter alerting.Dispatcher

	// pipeMu 覆盖 预留 nonce → 签名 → 广播，保证 nonce 升序对应
	// 广播顺序。确认等待不在锁内。
	pipeMu sync.Mutex

	dedupMu  sync.Mutex
	inflight map[string]*inflightExec

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type inflightExec struct {
	done    chan struct{}
	attempt *TransferAttempt
	err     error
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) {
		e.alerter = dispatcher
	}
}

// NewExecutor 构造转账执行器。
func NewExecutor(ldg ledger.Ledger, client chain.Client, sgn *signer.Signer, nonces *nonce.Manager, policy Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		ledger:   ldg,
		client:   client,
		signer:   sgn,
		nonces:   nonces,
		policy:   policy,
		inflight: make(map[string]*inflightExec),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute 端到端执行一个转账意图，返回最终（或仍在途的）尝试。
// 同一意图 ID 的并发与重复调用只产生一次链上转账。
func (e *Executor) Execute(ctx context.Context, intent TransferIntent) (*TransferAttempt, error) {
	e.dedupMu.Lock()
	if fl, ok := e.inflight[intent.ID]; ok {
		e.dedupMu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-fl.done:
		}
		return fl.attempt, fl.err
	}
	prior, err := e.attemptFromLedger(ctx, intent.ID)
	if err != nil {
		e.dedupMu.Unlock()
		return nil, err
	}
	if prior != nil {
		e.dedupMu.Unlock()
		logger.L().Info("意图已处理过，返回既有结果",
			slog.String("intent_id", intent.ID),
			slog.String("state", string(prior.State)),
		)
		return prior, nil
	}
	fl := &inflightExec{done: make(chan struct{})}
	e.inflight[intent.ID] = fl
	e.dedupMu.Unlock()

	attempt, execErr := e.run(ctx, intent, false)
	fl.attempt, fl.err = attempt, execErr
	close(fl.done)

	e.dedupMu.Lock()
	delete(e.inflight, intent.ID)
	e.dedupMu.Unlock()
	return attempt, execErr
}

// attemptFromLedger 返回账本里该意图的既有结果。终态、submitted 与
// signed 状态的尝试直接复用——signed 意味着交易可能已经广播出去而
// 进程在落盘 submitted 之前崩溃，再开新尝试会重复支付。停在更早
// 状态的尝试没有任何链上副作用，允许开启新尝试。
func (e *Executor) attemptFromLedger(ctx context.Context, intentID string) (*TransferAttempt, error) {
	entries, err := e.ledger.ListByIntent(ctx, intentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图历史失败")
	}
	var last *ledger.Entry
	for i := range entries {
		if entries[i].Kind == ledger.KindTransition {
			last = &entries[i]
		}
	}
	if last == nil {
		return nil, nil
	}
	state := AttemptState(last.State)
	if state.IsTerminal() || state == StateSubmitted || state == StateSigned {
		return attemptFromEntry(*last), nil
	}
	return nil, nil
}

func attemptFromEntry(entry ledger.Entry) *TransferAttempt {
	return &TransferAttempt{
		ID:          entry.AttemptID,
		IntentID:    entry.IntentID,
		State:       AttemptState(entry.State),
		Destination: entry.Destination,
		Amount:      entry.Amount,
		Nonce:       entry.Nonce,
		TxHash:      entry.TxHash,
		GasPrice:    entry.GasPrice,
		GasLimit:    entry.GasLimit,
		SubmitCount: entry.SubmitCount,
		ErrorCode:   entry.ErrorCode,
		ErrorMsg:    entry.ErrorMsg,
		Note:        entry.Note,
		Principal:   entry.Principal,
		CreatedAt:   time.Unix(entry.CreatedAt, 0),
		UpdatedAt:   time.Unix(entry.CreatedAt, 0),
	}
}

func (e *Executor) run(ctx context.Context, intent TransferIntent, reconciled bool) (*TransferAttempt, error) {
	now := e.now()
	attempt := &TransferAttempt{
		ID:          uuid.NewString(),
		IntentID:    intent.ID,
		Destination: common.HexToAddress(intent.Destination).Hex(),
		Amount:      intent.Amount,
		Note:        intent.Note,
		Principal:   intent.Principal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.transition(ctx, attempt, StateCreated, ""); err != nil {
		return attempt, err
	}

	if err := e.validate(ctx, intent); err != nil {
		e.failAttempt(ctx, attempt, err)
		return attempt, err
	}
	if err := e.transition(ctx, attempt, StateValidated, ""); err != nil {
		return attempt, err
	}

	payloadHex, submitErr := e.reserveSignSubmit(ctx, attempt)
	if submitErr != nil {
		if rej, ok := chain.AsRejection(submitErr); ok && rej.Reason == chain.ReasonNonceTooLow && !reconciled {
			// 本地计数器落后于链（外部用同一账户发过交易）。
			// 对账后用新 nonce 重来恰好一次。
			if chainNonce, nErr := e.client.PendingNonce(ctx, e.signer.Address()); nErr == nil {
				e.nonces.Reconcile(chainNonce)
			}
			e.failAttempt(ctx, attempt, submitErr)
			logger.L().Warn("nonce too low，对账后重试",
				slog.String("intent_id", intent.ID),
				slog.String("attempt_id", attempt.ID),
			)
			return e.run(ctx, intent, true)
		}
		e.failAttempt(ctx, attempt, submitErr)
		return attempt, submitErr
	}

	if err := e.awaitConfirmation(ctx, attempt, common.HexToHash(attempt.TxHash), payloadHex); err != nil {
		return attempt, err
	}
	return attempt, nil
}

// validate 做链上状态相关的校验：滚动窗口限额、代币余额覆盖转账额、
// 原生币余额覆盖手续费预算，以及链上读数与账本推算的交叉核对。
func (e *Executor) validate(ctx context.Context, intent TransferIntent) error {
	if err := ValidateIntent(intent, e.policy.PerTransferCap); err != nil {
		return err
	}

	if e.policy.WindowCap > 0 {
		spent, err := e.windowSpend(ctx)
		if err != nil {
			return err
		}
		if spent+intent.Amount > e.policy.WindowCap {
			return xerrors.New(CodeCapExceeded, "超出滚动窗口限额",
				xerrors.WithMetadata("window_spent", formatAmount(spent)),
				xerrors.WithMetadata("window_cap", formatAmount(e.policy.WindowCap)),
			)
		}
	}

	balance, err := e.client.BalanceOf(ctx, e.signer.Address())
	if err != nil {
		return err
	}
	if balance.Cmp(new(big.Int).SetUint64(intent.Amount)) < 0 {
		return xerrors.New(CodeInsufficientFunds, "托管账户余额不足",
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("amount", formatAmount(intent.Amount)),
		)
	}

	// 代币转账的手续费由原生币支付，单独核对手续费预算。
	fees := e.fees(ctx)
	feeBudget := new(big.Int).Mul(fees.GasPrice, new(big.Int).SetUint64(fees.GasLimit))
	native, err := e.client.NativeBalance(ctx, e.signer.Address())
	if err != nil {
		return err
	}
	if native.Cmp(feeBudget) < 0 {
		return xerrors.New(CodeInsufficientFunds, "原生币余额不足以支付手续费",
			xerrors.WithMetadata("native_balance", native.String()),
			xerrors.WithMetadata("fee_budget", feeBudget.String()),
		)
	}

	e.crossCheckBalance(ctx, balance)
	return nil
}

// crossCheckBalance 用账本推算的期望值核对这次链上读数。账本不记录
// 入账，期望值只是参考：超出容差的偏差记 discrepancy 并告警，但不
// 阻塞转账本身，余额充足性已由上面的链上读数判定。
func (e *Executor) crossCheckBalance(ctx context.Context, balance *big.Int) {
	if !balance.IsUint64() {
		return
	}
	observed := balance.Uint64()

	prev, err := e.ledger.LatestBalanceSample(ctx)
	if err != nil || prev == nil {
		return
	}
	entries, err := e.ledger.ListSince(ctx, prev.CreatedAt)
	if err != nil {
		return
	}
	outgoing := ledger.ConfirmedOutgoingSince(entries, prev.Seq)
	expected := uint64(0)
	if outgoing <= prev.ObservedBalance {
		expected = prev.ObservedBalance - outgoing
	}
	if diffAbs(observed, expected) <= e.policy.DiscrepancyTolerance {
		return
	}

	logger.Audit().Error("执行前余额核对发现偏差",
		slog.Uint64("observed", observed),
		slog.Uint64("expected", expected),
		slog.Uint64("tolerance", e.policy.DiscrepancyTolerance),
	)
	if e.alerter != nil {
		event := alerting.Event{
			Code:     CodeBalanceDiscrepancy,
			Message:  "链上余额与账本推算不一致",
			Severity: xerrors.SeverityCritical,
			Metadata: map[string]string{
				"observed": formatAmount(observed),
				"expected": formatAmount(expected),
			},
			OccurredAt: e.now(),
		}
		if err := e.alerter.Notify(ctx, event); err != nil {
			logger.L().Error("派发余额告警失败", slog.Any("error", err))
		}
	}
}

// windowSpend 统计滚动窗口内已占用的额度。按尝试聚合，取每次尝试
// 的最后状态：已确认与在途（已预留 nonce 及之后）都占额度，失败与
// 丢弃不占。
func (e *Executor) windowSpend(ctx context.Context) (uint64, error) {
	since := e.now().Add(-e.policy.Window).Unix()
	entries, err := e.ledger.ListSince(ctx, since)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询窗口内账本失败")
	}

	type attemptView struct {
		amount uint64
		state  AttemptState
	}
	views := make(map[string]attemptView)
	for _, entry := range entries {
		if entry.Kind != ledger.KindTransition || entry.AttemptID == "" {
			continue
		}
		views[entry.AttemptID] = attemptView{amount: entry.Amount, state: AttemptState(entry.State)}
	}

	var spent uint64
	for _, view := range views {
		switch view.state {
		case StateNonceReserved, StateSigned, StateSubmitted, StateConfirmed:
			spent += view.amount
		}
	}
	return spent, nil
}

// reserveSignSubmit 在互斥锁内完成 nonce 预留、签名与广播，
// 返回已签名交易的十六进制载荷。
func (e *Executor) reserveSignSubmit(ctx context.Context, attempt *TransferAttempt) (string, error) {
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()

	n := e.nonces.ReserveNext()
	attempt.Nonce = &n
	if err := e.transition(ctx, attempt, StateNonceReserved, ""); err != nil {
		e.nonces.Release(n)
		return "", err
	}

	fees := e.fees(ctx)
	attempt.GasPrice = fees.GasPrice.String()
	attempt.GasLimit = fees.GasLimit

	signed, err := e.signer.SignTransfer(
		common.HexToAddress(attempt.Destination),
		new(big.Int).SetUint64(attempt.Amount),
		n,
		fees,
	)
	if err != nil {
		e.nonces.Release(n)
		return "", err
	}
	attempt.TxHash = signed.Hash.Hex()
	payloadHex := hexutil.Encode(signed.Raw)
	if err := e.transition(ctx, attempt, StateSigned, payloadHex); err != nil {
		e.nonces.Release(n)
		return "", err
	}

	hash, err := e.submitWithRetry(ctx, attempt, signed.Raw)
	if err != nil {
		e.nonces.Release(n)
		return "", err
	}
	// 节点接受之后 nonce 归链所有，不论后续确认与否都不再复用。
	e.nonces.Consume(n)
	attempt.TxHash = hash.Hex()
	if err := e.transition(ctx, attempt, StateSubmitted, payloadHex); err != nil {
		return "", err
	}
	logger.Audit().Info("交易已广播",
		slog.String("intent_id", attempt.IntentID),
		slog.String("attempt_id", attempt.ID),
		slog.String("tx_hash", attempt.TxHash),
		slog.Uint64("nonce", n),
		slog.String("amount", formatAmount(attempt.Amount)),
		slog.String("destination", attempt.Destination),
	)
	return payloadHex, nil
}

// fees 取节点建议的 gas 价格并套上配置下限；节点不可达时直接用下限，
// 手续费估算失败不应阻塞转账。gas limit 永远用配置值。
func (e *Executor) fees(ctx context.Context) chain.FeeParams {
	floor := new(big.Int).SetUint64(e.policy.FeeFloorWei)
	fees, err := e.client.SuggestFees(ctx)
	if err != nil || fees.GasPrice == nil || fees.GasPrice.Cmp(floor) < 0 {
		fees.GasPrice = floor
	}
	fees.GasLimit = e.policy.GasLimit
	return fees
}

// submitWithRetry 用完全相同的签名字节做指数退避重试。只有网络错误
// 才重试：字节不变意味着重复到达的交易会被节点按同一笔去重。
func (e *Executor) submitWithRetry(ctx context.Context, attempt *TransferAttempt, raw []byte) (common.Hash, error) {
	backoff := e.policy.SubmitBackoff
	for {
		attempt.SubmitCount++
		hash, err := e.client.SubmitRaw(ctx, raw)
		if err == nil {
			return hash, nil
		}
		if !chain.IsNetworkError(err) {
			return common.Hash{}, err
		}
		if attempt.SubmitCount >= e.policy.SubmitMaxRetries {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeRetriesExhausted, err, "广播重试次数耗尽")
		}
		metrics.ObserveSubmitRetry()
		logger.L().Warn("广播失败，退避后重试",
			slog.String("attempt_id", attempt.ID),
			slog.Int("submit_count", attempt.SubmitCount),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			return common.Hash{}, sleepErr
		}
		backoff *= 2
		if backoff > e.policy.SubmitBackoffCap {
			backoff = e.policy.SubmitBackoffCap
		}
	}
}

// awaitConfirmation 在有限预算内轮询回执。预算耗尽迁移到 dropped，
// 交易本身可能仍会进块，后续进展要靠人工或下次启动重放发现。
func (e *Executor) awaitConfirmation(ctx context.Context, attempt *TransferAttempt, hash common.Hash, payloadHex string) error {
	deadline := e.now().Add(e.policy.ConfirmTimeout)
	for {
		receipt, err := e.client.Receipt(ctx, hash)
		if err == nil && receipt.State == chain.ReceiptConfirmed {
			if receipt.Reverted {
				revertErr := xerrors.New(CodeTransferReverted, "交易进块但执行回滚",
					xerrors.WithMetadata("tx_hash", hash.Hex()),
					xerrors.WithMetadata("block", strconv.FormatUint(receipt.BlockNumber, 10)),
				)
				e.failAttempt(ctx, attempt, revertErr)
				return revertErr
			}
			if terr := e.transition(ctx, attempt, StateConfirmed, ""); terr != nil {
				return terr
			}
			logger.Audit().Info("转账已确认",
				slog.String("intent_id", attempt.IntentID),
				slog.String("attempt_id", attempt.ID),
				slog.String("tx_hash", hash.Hex()),
				slog.Uint64("block", receipt.BlockNumber),
			)
			return nil
		}
		if err != nil {
			logger.L().Warn("查询回执失败", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}

		if !e.now().Before(deadline) {
			dropErr := xerrors.New(CodeTransferDropped, "确认窗口内未观察到进块",
				xerrors.WithMetadata("tx_hash", hash.Hex()),
			)
			attempt.ErrorCode = string(CodeTransferDropped)
			attempt.ErrorMsg = dropErr.Error()
			if terr := e.transition(ctx, attempt, StateDropped, payloadHex); terr != nil {
				return terr
			}
			e.alert(ctx, attempt, dropErr)
			return dropErr
		}
		if sleepErr := e.sleep(ctx, e.policy.ConfirmPollInterval); sleepErr != nil {
			return sleepErr
		}
	}
}

// ResumeInflight 重放账本，为每个停在 signed 或 submitted 的尝试恢复
// 确认轮询。恢复只用账本里保存的交易哈希与签名字节，绝不重新签名。
func (e *Executor) ResumeInflight(ctx context.Context) (int, error) {
	entries, err := e.ledger.All(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "启动重放账本失败")
	}
	state := ledger.Replay(entries)
	for _, open := range state.OpenAttempts {
		attempt := attemptFromEntry(open)
		payloadHex := open.SignedPayload
		logger.L().Info("恢复在途交易的确认轮询",
			slog.String("intent_id", attempt.IntentID),
			slog.String("attempt_id", attempt.ID),
			slog.String("tx_hash", attempt.TxHash),
		)
		go e.resume(ctx, attempt, payloadHex)
	}
	return len(state.OpenAttempts), nil
}

func (e *Executor) resume(ctx context.Context, attempt *TransferAttempt, payloadHex string) {
	// 先把保存的原始字节重播一次：节点如果从未见过就补上广播，
	// 已见过则会按同一笔去重。字节不变所以安全。
	if payloadHex != "" {
		if raw, decErr := hexutil.Decode(payloadHex); decErr == nil {
			if hash, subErr := e.client.SubmitRaw(ctx, raw); subErr == nil {
				attempt.TxHash = hash.Hex()
			}
		}
	}
	// 停在 signed 的尝试在重播后补记 submitted，再进入确认轮询。
	if attempt.State == StateSigned {
		attempt.SubmitCount++
		if err := e.transition(ctx, attempt, StateSubmitted, payloadHex); err != nil {
			logger.L().Error("恢复时记录广播状态失败",
				slog.String("attempt_id", attempt.ID),
				slog.Any("error", err),
			)
			return
		}
	}
	_ = e.awaitConfirmation(ctx, attempt, common.HexToHash(attempt.TxHash), payloadHex)
}

// transition 先把迁移写进账本，落盘成功后才更新内存状态。
func (e *Executor) transition(ctx context.Context, attempt *TransferAttempt, to AttemptState, payloadHex string) error {
	if attempt.State != "" && !CanTransition(attempt.State, to) {
		return xerrors.New(xerrors.CodeConflict, "非法的状态迁移: "+string(attempt.State)+" -> "+string(to))
	}
	now := e.now()
	entry := &ledger.Entry{
		Kind:          ledger.KindTransition,
		IntentID:      attempt.IntentID,
		AttemptID:     attempt.ID,
		State:         string(to),
		Nonce:         attempt.Nonce,
		TxHash:        attempt.TxHash,
		Destination:   attempt.Destination,
		Amount:        attempt.Amount,
		GasPrice:      attempt.GasPrice,
		GasLimit:      attempt.GasLimit,
		SignedPayload: payloadHex,
		SubmitCount:   attempt.SubmitCount,
		ErrorCode:     attempt.ErrorCode,
		ErrorMsg:      attempt.ErrorMsg,
		Note:          attempt.Note,
		Principal:     attempt.Principal,
		CreatedAt:     now.Unix(),
	}
	if err := e.ledger.Append(ctx, entry); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "账本写入失败，停止推进")
	}
	attempt.State = to
	attempt.UpdatedAt = now
	metrics.ObserveTransition(string(to))
	return nil
}

// failAttempt 把尝试迁移到 failed 并视错误属性派发告警。
// 已处于终态时不做任何事。
func (e *Executor) failAttempt(ctx context.Context, attempt *TransferAttempt, cause error) {
	if attempt.State.IsTerminal() {
		return
	}
	attempt.ErrorCode = string(errorCodeOf(cause))
	attempt.ErrorMsg = cause.Error()
	if err := e.transition(ctx, attempt, StateFailed, ""); err != nil {
		logger.L().Error("记录失败迁移时账本写入失败",
			slog.String("attempt_id", attempt.ID),
			slog.Any("error", err),
		)
		return
	}
	e.alert(ctx, attempt, cause)
}

func errorCodeOf(err error) xerrors.Code {
	if _, ok := chain.AsRejection(err); ok {
		return chain.CodeChainRejected
	}
	return xerrors.CodeOf(err)
}

func (e *Executor) alert(ctx context.Context, attempt *TransferAttempt, cause error) {
	if e.alerter == nil {
		return
	}
	code := errorCodeOf(cause)
	attrs := xerrors.AttributesOf(code)
	shouldAlert, severity := attrs.Alert, attrs.Severity
	if xe, ok := xerrors.From(cause); ok {
		shouldAlert, severity = xe.ShouldAlert(), xe.Severity()
	}
	if !shouldAlert {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   severity,
		IntentID:   attempt.IntentID,
		AttemptID:  attempt.ID,
		TxHash:     attempt.TxHash,
		OccurredAt: e.now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发告警失败", slog.Any("error", err))
	}
}
