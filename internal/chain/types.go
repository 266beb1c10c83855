package chain

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "USDC-Treasurer/internal/errors"
)

// FeeParams carries the gas parameters used to price a transfer.
type FeeParams struct {
	GasPrice *big.Int
	GasLimit uint64
}

// ReceiptState 是回执查询的封闭结果集合。
type ReceiptState string

const (
	// ReceiptPending 表示节点已知该交易但尚未打包。
	ReceiptPending ReceiptState = "pending"
	// ReceiptConfirmed 表示交易已经进块。
	ReceiptConfirmed ReceiptState = "confirmed"
	// ReceiptNotFound 表示节点尚未见到该交易，不代表交易无效。
	ReceiptNotFound ReceiptState = "not_found"
)

// Receipt summarizes the chain's view of a submitted transaction.
type Receipt struct {
	State       ReceiptState
	BlockNumber uint64
	// Reverted is meaningful only when State is ReceiptConfirmed.
	Reverted bool
}

// Client 定义上层与链交互所需的最小能力集合。
// 所有实现必须把失败归入两类：网络错误（可用相同载荷重试）
// 与链级拒绝（终态，见 RejectionError）。
type Client interface {
	// BalanceOf 查询托管代币余额（最小单位）。账户不存在视为零余额。
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	// NativeBalance 查询原生币余额（wei），手续费由原生币支付。
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	// PendingNonce 返回节点视角的下一个可用 nonce，仅用于初始化与对账。
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	// SuggestFees 返回建议的手续费参数，失败时调用方需有兜底默认值。
	SuggestFees(ctx context.Context) (FeeParams, error)
	// SubmitRaw 广播已签名的原始交易。网络错误时用相同字节重试是安全的。
	SubmitRaw(ctx context.Context, raw []byte) (common.Hash, error)
	// Receipt 轮询交易回执。
	Receipt(ctx context.Context, hash common.Hash) (Receipt, error)
	// ChainID 返回链 ID，用于签名。
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// RejectionReason 枚举节点拒绝交易的已知原因。
type RejectionReason string

const (
	ReasonNonceTooLow       RejectionReason = "nonce_too_low"
	ReasonNonceTooHigh      RejectionReason = "nonce_too_high"
	ReasonInsufficientFunds RejectionReason = "insufficient_funds"
	ReasonAlreadyKnown      RejectionReason = "already_known"
	ReasonMalformed         RejectionReason = "malformed"
	ReasonOther             RejectionReason = "other"
)

// CodeChainRejected 标记链级拒绝，不可用相同 nonce 重试。
const CodeChainRejected xerrors.Code = "CHAIN_REJECTED"

func init() {
	xerrors.Register(CodeChainRejected, xerrors.Attributes{
		Message:   "transaction rejected by chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// RejectionError 表示节点明确拒绝了交易。
type RejectionError struct {
	Reason RejectionReason
	Err    error
}

// Error 实现 error 接口。
func (e *RejectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("链拒绝交易(%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("链拒绝交易(%s)", e.Reason)
}

// Unwrap 实现 errors.Unwrap。
func (e *RejectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Reject 构造一个链级拒绝错误。
func Reject(reason RejectionReason, cause error) error {
	return &RejectionError{Reason: reason, Err: cause}
}

// AsRejection 判断错误是否为链级拒绝。
func AsRejection(err error) (*RejectionError, bool) {
	var rejection *RejectionError
	if stdErrors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// NetworkError 把传输层故障包装为可重试的统一错误。
func NetworkError(cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeNetworkFailure, cause, message)
}

// IsNetworkError 判断错误是否为传输层故障。
func IsNetworkError(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeNetworkFailure
}
