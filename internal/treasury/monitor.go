package treasury

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"USDC-Treasurer/internal/chain"
	xerrors "USDC-Treasurer/internal/errors"
	"USDC-Treasurer/internal/ledger"
	"USDC-Treasurer/internal/observability/alerting"
	"USDC-Treasurer/pkg/logger"
)

// CodeBalanceDiscrepancy 表示链上余额偏离账本推算值。
const CodeBalanceDiscrepancy xerrors.Code = "BALANCE_DISCREPANCY"

func init() {
	xerrors.Register(CodeBalanceDiscrepancy, xerrors.Attributes{
		Message:   "链上余额与账本推算不一致",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Monitor 周期性采样链上余额，和账本推算的期望值比对。
// 期望值 = 上次采样的观测值 - 其后已确认的转出总额；超出容差
// 的偏差（不论方向，入金同样值得人看一眼）记 discrepancy 并告警。
type Monitor struct {
	ledger    ledger.Ledger
	client    chain.Client
	account   common.Address
	period    time.Duration
	tolerance uint64
	alerter   alerting.Dispatcher

	now func() time.Time
}

// MonitorOption 定义可选配置。
type MonitorOption func(*Monitor)

// WithMonitorAlerter 配置告警派发器。
func WithMonitorAlerter(dispatcher alerting.Dispatcher) MonitorOption {
	return func(m *Monitor) {
		m.alerter = dispatcher
	}
}

// NewMonitor 构造余额监控器。
func NewMonitor(ldg ledger.Ledger, client chain.Client, account common.Address, period time.Duration, tolerance uint64, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		ledger:    ldg,
		client:    client,
		account:   account,
		period:    period,
		tolerance: tolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Run 阻塞运行监控循环直到上下文取消。启动时立即做一次采样。
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := m.CheckOnce(ctx); err != nil {
		logger.L().Warn("余额采样失败", slog.Any("error", err))
	}
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.CheckOnce(ctx); err != nil {
				logger.L().Warn("余额采样失败", slog.Any("error", err))
			}
		}
	}
}

// CheckOnce 执行一次采样与比对，返回写入的采样条目。
func (m *Monitor) CheckOnce(ctx context.Context) (*ledger.Entry, error) {
	balance, err := m.client.BalanceOf(ctx, m.account)
	if err != nil {
		return nil, err
	}
	if !balance.IsUint64() {
		return nil, xerrors.New(xerrors.CodeUnknown, "余额超出可表示范围: "+balance.String())
	}
	observed := balance.Uint64()

	prev, err := m.ledger.LatestBalanceSample(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取上次采样失败")
	}

	expected := observed
	if prev != nil {
		entries, lerr := m.ledger.ListSince(ctx, prev.CreatedAt)
		if lerr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, lerr, "读取采样后的账本失败")
		}
		outgoing := ledger.ConfirmedOutgoingSince(entries, prev.Seq)
		if outgoing <= prev.ObservedBalance {
			expected = prev.ObservedBalance - outgoing
		} else {
			expected = 0
		}
	}

	sample := &ledger.Entry{
		Kind:            ledger.KindBalanceSample,
		ObservedBalance: observed,
		ExpectedBalance: expected,
		CreatedAt:       m.now().Unix(),
	}
	if err := m.ledger.Append(ctx, sample); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入余额采样失败")
	}
	logger.L().Info("余额采样完成",
		slog.String("account", m.account.Hex()),
		slog.Uint64("observed", observed),
		slog.Uint64("expected", expected),
	)

	if prev != nil && diffAbs(observed, expected) > m.tolerance {
		if err := m.recordDiscrepancy(ctx, observed, expected); err != nil {
			return sample, err
		}
	}
	return sample, nil
}

func (m *Monitor) recordDiscrepancy(ctx context.Context, observed, expected uint64) error {
	discrepancy := &ledger.Entry{
		Kind:            ledger.KindDiscrepancy,
		ObservedBalance: observed,
		ExpectedBalance: expected,
		ErrorCode:       string(CodeBalanceDiscrepancy),
		CreatedAt:       m.now().Unix(),
	}
	if err := m.ledger.Append(ctx, discrepancy); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入余额偏差失败")
	}
	logger.Audit().Error("发现余额偏差",
		slog.String("account", m.account.Hex()),
		slog.Uint64("observed", observed),
		slog.Uint64("expected", expected),
		slog.Uint64("tolerance", m.tolerance),
	)
	if m.alerter != nil {
		event := alerting.Event{
			Code:     CodeBalanceDiscrepancy,
			Message:  "链上余额与账本推算不一致",
			Severity: xerrors.SeverityCritical,
			Metadata: map[string]string{
				"account":  m.account.Hex(),
				"observed": formatAmount(observed),
				"expected": formatAmount(expected),
			},
			OccurredAt: m.now(),
		}
		if err := m.alerter.Notify(ctx, event); err != nil {
			logger.L().Error("派发余额告警失败", slog.Any("error", err))
		}
	}
	return nil
}

func diffAbs(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
