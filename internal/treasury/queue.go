package treasury

import (
	"context"
)

// Handler 处理来自队列的消息。payload 是 JSON 序列化的转账意图：
// 账本只记录事实不做检索，意图本体随消息传递。
type Handler func(ctx context.Context, payload string) error

// Producer 负责向队列投递转账意图。
type Producer interface {
	Publish(ctx context.Context, payload string) error
	Close() error
}

// Consumer 负责从队列中消费转账意图。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
