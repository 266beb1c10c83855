package treasury

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "USDC-Treasurer/internal/errors"
)

// 转账域的错误码。校验类错误全部不可重试：请求本身有问题，
// 换个时间重发同样会被拒绝。
const (
	CodeInvalidDestination xerrors.Code = "TRANSFER_INVALID_DESTINATION"
	CodeInvalidAmount      xerrors.Code = "TRANSFER_INVALID_AMOUNT"
	CodeInsufficientFunds  xerrors.Code = "TRANSFER_INSUFFICIENT_FUNDS"
	CodeCapExceeded        xerrors.Code = "TRANSFER_CAP_EXCEEDED"
	CodeTransferPublish    xerrors.Code = "TRANSFER_PUBLISH"
	CodeTransferDropped    xerrors.Code = "TRANSFER_DROPPED"
	CodeTransferReverted   xerrors.Code = "TRANSFER_REVERTED"
)

func init() {
	xerrors.Register(CodeInvalidDestination, xerrors.Attributes{
		Message:   "转账目标地址无效",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "转账金额无效",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "余额不足",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeCapExceeded, xerrors.Attributes{
		Message:   "超出转账限额",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferPublish, xerrors.Attributes{
		Message:   "转账意图入队失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTransferDropped, xerrors.Attributes{
		Message:   "交易在确认窗口内未进块",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTransferReverted, xerrors.Attributes{
		Message:   "交易进块但执行回滚",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// TransferIntent 是调用方想要发生的一次转账。ID 由调用方提供，
// 作为幂等键：同一个 ID 不论提交多少次，链上至多发生一次转账。
type TransferIntent struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	// Amount 是最小单位金额（USDC 为 6 位小数）。
	Amount      uint64    `json:"amount"`
	Note        string    `json:"note,omitempty"`
	Principal   string    `json:"principal,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// AttemptState 是转账尝试状态机的封闭状态集合。
type AttemptState string

const (
	StateCreated       AttemptState = "created"
	StateValidated     AttemptState = "validated"
	StateNonceReserved AttemptState = "nonce_reserved"
	StateSigned        AttemptState = "signed"
	StateSubmitted     AttemptState = "submitted"
	StateConfirmed     AttemptState = "confirmed"
	StateFailed        AttemptState = "failed"
	StateDropped       AttemptState = "dropped"
)

// IsTerminal 判断状态是否为终态。终态之后不再有任何迁移。
func (s AttemptState) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateDropped:
		return true
	default:
		return false
	}
}

// validNext 定义了状态机允许的迁移边。任何不在表里的迁移都是编程错误。
var validNext = map[AttemptState][]AttemptState{
	StateCreated:       {StateValidated, StateFailed},
	StateValidated:     {StateNonceReserved, StateFailed},
	StateNonceReserved: {StateSigned, StateFailed},
	StateSigned:        {StateSubmitted, StateFailed},
	StateSubmitted:     {StateConfirmed, StateFailed, StateDropped},
}

// CanTransition 判断 from 到 to 是否是合法迁移。
func CanTransition(from, to AttemptState) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransferAttempt 是一次意图的单次执行记录。一个意图在 nonce too low
// 对账之后可能产生第二次尝试，但同一时刻至多有一次非终态尝试。
type TransferAttempt struct {
	ID          string       `json:"id"`
	IntentID    string       `json:"intent_id"`
	State       AttemptState `json:"state"`
	Destination string       `json:"destination"`
	Amount      uint64       `json:"amount"`
	Nonce       *uint64      `json:"nonce,omitempty"`
	TxHash      string       `json:"tx_hash,omitempty"`
	GasPrice    string       `json:"gas_price,omitempty"`
	GasLimit    uint64       `json:"gas_limit,omitempty"`
	SubmitCount int          `json:"submit_count,omitempty"`
	ErrorCode   string       `json:"error_code,omitempty"`
	ErrorMsg    string       `json:"error,omitempty"`
	Note        string       `json:"note,omitempty"`
	Principal   string       `json:"principal,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ValidateIntent 做不依赖链状态的静态校验。
func ValidateIntent(intent TransferIntent, perTransferCap uint64) error {
	if strings.TrimSpace(intent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "意图 ID 不能为空")
	}
	if !common.IsHexAddress(intent.Destination) {
		return xerrors.New(CodeInvalidDestination, "目标地址格式无效: "+intent.Destination)
	}
	if common.HexToAddress(intent.Destination) == (common.Address{}) {
		return xerrors.New(CodeInvalidDestination, "拒绝向零地址转账")
	}
	if intent.Amount == 0 {
		return xerrors.New(CodeInvalidAmount, "转账金额必须大于零")
	}
	if perTransferCap > 0 && intent.Amount > perTransferCap {
		return xerrors.New(CodeCapExceeded, "单笔金额超出上限",
			xerrors.WithMetadata("amount", formatAmount(intent.Amount)),
			xerrors.WithMetadata("cap", formatAmount(perTransferCap)),
		)
	}
	return nil
}
