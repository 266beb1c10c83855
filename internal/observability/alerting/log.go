package alerting

import (
	"context"
	"log/slog"

	"USDC-Treasurer/pkg/logger"
)

// LogDispatcher 把告警事件写进审计日志。没有配置外部渠道时的兜底，
// 保证资金事件至少留下一条可检索的记录。
type LogDispatcher struct{}

// NewLogDispatcher 创建日志派发器。
func NewLogDispatcher() *LogDispatcher { return &LogDispatcher{} }

// Notify 记录事件。
func (d *LogDispatcher) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("message", event.Message),
	}
	if event.IntentID != "" {
		attrs = append(attrs, slog.String("intent_id", event.IntentID))
	}
	if event.AttemptID != "" {
		attrs = append(attrs, slog.String("attempt_id", event.AttemptID))
	}
	if event.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", event.TxHash))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Warn("资金告警", attrs...)
	return nil
}

var _ Dispatcher = (*LogDispatcher)(nil)
