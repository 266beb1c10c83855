package ledger

import (
	"context"
)

// Ledger 抽象只追加账本的持久化接口。Append 返回即表示条目已经
// 落盘，执行器据此才允许推进到依赖该迁移的链上动作。
type Ledger interface {
	// Append 持久化一条新条目并为其分配单调递增的序列号。
	Append(ctx context.Context, entry *Entry) error
	// List 返回最近的条目，按序列号倒序。
	List(ctx context.Context, limit int) ([]Entry, error)
	// ListByIntent 返回某个意图的全部条目，按序列号正序。
	ListByIntent(ctx context.Context, intentID string) ([]Entry, error)
	// ListSince 返回给定时间戳（含）之后创建的条目，按序列号正序。
	ListSince(ctx context.Context, createdAt int64) ([]Entry, error)
	// LatestBalanceSample 返回最近一次余额采样，没有时返回 nil。
	LatestBalanceSample(ctx context.Context) (*Entry, error)
	// All 返回全部条目，按序列号正序，用于启动时重放。
	All(ctx context.Context) ([]Entry, error)
	Close() error
}

// AccountState 是重放账本得到的账户视图。
type AccountState struct {
	// MaxAssignedNonce 是账本记录过的最大 nonce，nil 表示从未分配。
	MaxAssignedNonce *uint64
	// OpenAttempts 是仍停留在 signed 或 submitted 状态的尝试的最后一条
	// 迁移。signed 表示进程可能在广播与落盘之间崩溃，恢复时必须重播
	// 同一份签名字节而不是开新尝试，否则会重复支付。
	OpenAttempts []Entry
	// ConfirmedOutgoing 是全部已确认转出的总额（最小单位）。
	ConfirmedOutgoing uint64
	// LatestSample 是最近一次余额采样，nil 表示尚无采样。
	LatestSample *Entry
}

// 终态集合与重放逻辑共享一份定义，避免两处漂移。
var terminalStates = map[string]struct{}{
	"confirmed": {},
	"failed":    {},
	"dropped":   {},
}

// Replay 按序重放条目，重建账户视图。空账本返回零值状态。
func Replay(entries []Entry) AccountState {
	state := AccountState{}
	lastTransition := make(map[string]Entry)

	for _, entry := range entries {
		switch entry.Kind {
		case KindTransition:
			if entry.Nonce != nil {
				if state.MaxAssignedNonce == nil || *entry.Nonce > *state.MaxAssignedNonce {
					n := *entry.Nonce
					state.MaxAssignedNonce = &n
				}
			}
			if entry.State == "confirmed" {
				state.ConfirmedOutgoing += entry.Amount
			}
			if entry.AttemptID != "" {
				lastTransition[entry.AttemptID] = entry
			}
		case KindBalanceSample:
			sample := entry
			state.LatestSample = &sample
		}
	}

	for _, last := range lastTransition {
		if _, terminal := terminalStates[last.State]; terminal {
			continue
		}
		if last.State == "signed" || last.State == "submitted" {
			state.OpenAttempts = append(state.OpenAttempts, last)
		}
	}
	return state
}

// ConfirmedOutgoingSince 统计给定序列号之后确认转出的总额。
func ConfirmedOutgoingSince(entries []Entry, seq uint64) uint64 {
	var total uint64
	for _, entry := range entries {
		if entry.Seq <= seq {
			continue
		}
		if entry.Kind == KindTransition && entry.State == "confirmed" {
			total += entry.Amount
		}
	}
	return total
}
