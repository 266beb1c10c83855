package treasury

import (
	"context"
	"encoding/json"
	"log/slog"

	"USDC-Treasurer/pkg/logger"
)

// Processor 从队列消费转账意图并交给执行器。执行器按意图 ID 幂等，
// 所以队列的重复投递与至少一次语义都是安全的。
type Processor struct {
	executor    *Executor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor *Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("treasury.processor")
	}
	return p
}

// Start 阻塞消费队列直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload string) error {
	var intent TransferIntent
	if err := json.Unmarshal([]byte(payload), &intent); err != nil {
		// 无法解析的消息重试也不会变好，记日志后丢弃。
		p.logger.Error("丢弃无法解析的队列消息", slog.Any("error", err))
		return nil
	}
	attempt, err := p.executor.Execute(ctx, intent)
	if err != nil {
		p.logger.Warn("转账意图执行未成功",
			slog.String("intent_id", intent.ID),
			slog.Any("error", err),
		)
		// 结果已落账本，错误不向队列传播，避免无意义的重投。
		return nil
	}
	p.logger.Info("转账意图执行完成",
		slog.String("intent_id", intent.ID),
		slog.String("attempt_id", attempt.ID),
		slog.String("state", string(attempt.State)),
		slog.String("tx_hash", attempt.TxHash),
	)
	return nil
}
