package ledger

// EntryKind 区分账本中记录的事实类型。
type EntryKind string

const (
	// KindTransition 记录一次转账尝试的状态迁移。
	KindTransition EntryKind = "transition"
	// KindBalanceSample 记录一次链上余额采样。
	KindBalanceSample EntryKind = "balance_sample"
	// KindDiscrepancy 记录余额监控发现的偏差。
	KindDiscrepancy EntryKind = "discrepancy"
	// KindRejectionNote 记录校验阶段拒绝的请求，不关联链上行为。
	KindRejectionNote EntryKind = "rejection_note"
)

// Entry 是账本里一条只写一次的事实。写入后永不修改或删除，
// 纠错通过追加引用原条目的新条目完成。
type Entry struct {
	Seq       uint64    `json:"seq"`
	Kind      EntryKind `json:"kind"`
	IntentID  string    `json:"intent_id,omitempty"`
	AttemptID string    `json:"attempt_id,omitempty"`

	// 转账迁移字段。
	State       string  `json:"state,omitempty"`
	Nonce       *uint64 `json:"nonce,omitempty"`
	TxHash      string  `json:"tx_hash,omitempty"`
	Destination string  `json:"destination,omitempty"`
	Amount      uint64  `json:"amount,omitempty"`
	GasPrice    string  `json:"gas_price,omitempty"`
	GasLimit    uint64  `json:"gas_limit,omitempty"`
	// SignedPayload 保存已签名交易的十六进制字节，崩溃恢复时
	// 用它继续轮询而不是重新签名。
	SignedPayload string `json:"signed_payload,omitempty"`
	SubmitCount   int    `json:"submit_count,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMsg      string `json:"error,omitempty"`
	Note          string `json:"note,omitempty"`
	Principal     string `json:"principal,omitempty"`

	// 余额采样与偏差字段（最小单位）。
	ObservedBalance uint64 `json:"observed_balance,omitempty"`
	ExpectedBalance uint64 `json:"expected_balance,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// IsValidKind 检查条目类型是否为支持的枚举值。
func IsValidKind(kind EntryKind) bool {
	switch kind {
	case KindTransition, KindBalanceSample, KindDiscrepancy, KindRejectionNote:
		return true
	default:
		return false
	}
}
