package ethereum

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"USDC-Treasurer/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	TokenAddress string
	GasLimit     uint64
	Notes        string
}

// Client implements the chain.Client interface against an EVM node,
// reading balances from an ERC-20 token contract.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	token     common.Address
	gasLimit  uint64

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, stdErrors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("非法的代币合约地址: %s", cfg.TokenAddress)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 100_000
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		token:     common.HexToAddress(cfg.TokenAddress),
		gasLimit:  gasLimit,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Token returns the managed token contract address.
func (c *Client) Token() common.Address {
	return c.token
}

// BalanceOf 通过 eth_call 查询代币余额。不存在的账户返回零。
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, stdErrors.New("未初始化的以太坊客户端")
	}
	data, err := chain.PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, chain.NetworkError(err, "查询余额失败")
	}
	if len(output) == 0 {
		return big.NewInt(0), nil
	}
	return chain.UnpackBalance(output)
}

// NativeBalance 查询账户的原生币余额（wei）。
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, stdErrors.New("未初始化的以太坊客户端")
	}
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, chain.NetworkError(err, "查询原生币余额失败")
	}
	return balance, nil
}

// PendingNonce 返回节点视角的下一个可用 nonce。
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, stdErrors.New("未初始化的以太坊客户端")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, chain.NetworkError(err, "查询交易计数失败")
	}
	return nonce, nil
}

// SuggestFees 返回节点建议的 gas 价格。
func (c *Client) SuggestFees(ctx context.Context) (chain.FeeParams, error) {
	if c == nil || c.eth == nil {
		return chain.FeeParams{}, stdErrors.New("未初始化的以太坊客户端")
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return chain.FeeParams{}, chain.NetworkError(err, "获取手续费估算失败")
	}
	return chain.FeeParams{GasPrice: price, GasLimit: c.gasLimit}, nil
}

// SubmitRaw 广播原始交易字节。已在交易池中的交易视为提交成功。
func (c *Client) SubmitRaw(ctx context.Context, raw []byte) (common.Hash, error) {
	if c == nil || c.rpcClient == nil {
		return common.Hash{}, stdErrors.New("未初始化的以太坊客户端")
	}
	var hash common.Hash
	err := c.rpcClient.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err == nil {
		return hash, nil
	}

	reason, rejected := classifySubmitError(err)
	if !rejected {
		return common.Hash{}, chain.NetworkError(err, "发送交易失败")
	}
	if reason == chain.ReasonAlreadyKnown {
		// 重复广播同一笔已签名交易是幂等的，直接还原其哈希。
		var tx coretypes.Transaction
		if decodeErr := tx.UnmarshalBinary(raw); decodeErr == nil {
			return tx.Hash(), nil
		}
	}
	return common.Hash{}, chain.Reject(reason, err)
}

// Receipt 查询交易回执，把节点响应收敛为封闭的状态集合。
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (chain.Receipt, error) {
	if c == nil || c.eth == nil {
		return chain.Receipt{}, stdErrors.New("未初始化的以太坊客户端")
	}
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err == nil {
		return chain.Receipt{
			State:       chain.ReceiptConfirmed,
			BlockNumber: receipt.BlockNumber.Uint64(),
			Reverted:    receipt.Status != coretypes.ReceiptStatusSuccessful,
		}, nil
	}
	if !stdErrors.Is(err, gethcore.NotFound) {
		return chain.Receipt{}, chain.NetworkError(err, "查询交易回执失败")
	}

	// 回执不存在可能是还在交易池里，也可能是节点根本没见过。
	_, _, txErr := c.eth.TransactionByHash(ctx, hash)
	if txErr == nil {
		return chain.Receipt{State: chain.ReceiptPending}, nil
	}
	if stdErrors.Is(txErr, gethcore.NotFound) {
		return chain.Receipt{State: chain.ReceiptNotFound}, nil
	}
	return chain.Receipt{}, chain.NetworkError(txErr, "查询交易状态失败")
}

// ChainID 返回缓存的链 ID，首次调用时向节点查询。
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, stdErrors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, chain.NetworkError(err, "获取链 ID 失败")
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

// classifySubmitError 区分 JSON-RPC 层的明确拒绝与传输层故障。
func classifySubmitError(err error) (chain.RejectionReason, bool) {
	var rpcErr gethrpc.Error
	isRPC := stdErrors.As(err, &rpcErr)

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "nonce too low"):
		return chain.ReasonNonceTooLow, true
	case strings.Contains(message, "nonce too high"):
		return chain.ReasonNonceTooHigh, true
	case strings.Contains(message, "insufficient funds"):
		return chain.ReasonInsufficientFunds, true
	case strings.Contains(message, "already known"),
		strings.Contains(message, "known transaction"):
		return chain.ReasonAlreadyKnown, true
	case strings.Contains(message, "invalid sender"),
		strings.Contains(message, "rlp"),
		strings.Contains(message, "oversized"),
		strings.Contains(message, "underpriced"),
		strings.Contains(message, "intrinsic gas too low"):
		return chain.ReasonMalformed, true
	case isRPC:
		// 节点返回了结构化错误码，说明请求到达并被拒绝。
		return chain.ReasonOther, true
	default:
		return "", false
	}
}

var _ chain.Client = (*Client)(nil)
