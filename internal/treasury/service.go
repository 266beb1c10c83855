package treasury

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"USDC-Treasurer/internal/chain"
	"USDC-Treasurer/internal/config"
	xerrors "USDC-Treasurer/internal/errors"
	"USDC-Treasurer/internal/ledger"
	"USDC-Treasurer/internal/signer"
	"USDC-Treasurer/pkg/logger"
)

// Service 是转账意图的受理门面：解析金额、做静态校验、入队，
// 并提供余额、历史与地址查询。链上动作全部由执行器完成。
type Service struct {
	ledger   ledger.Ledger
	producer Producer
	client   chain.Client
	signer   *signer.Signer

	decimals      int
	explorerTxURL string

	now func() time.Time
}

// NewService 构造转账服务。
func NewService(ldg ledger.Ledger, producer Producer, client chain.Client, sgn *signer.Signer, chainCfg config.ChainConfig) *Service {
	return &Service{
		ledger:        ldg,
		producer:      producer,
		client:        client,
		signer:        sgn,
		decimals:      chainCfg.TokenDecimals,
		explorerTxURL: chainCfg.ExplorerTxURL,
		now:           time.Now,
	}
}

// SubmitRequest 是调用方提交的原始转账请求，金额是十进制字符串。
type SubmitRequest struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Note        string `json:"note,omitempty"`
	Principal   string `json:"principal,omitempty"`
}

// Submit 受理一个转账请求并投递到执行队列。请求通过静态校验即返回，
// 链上结果之后通过 Status 或 History 查询。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*TransferIntent, error) {
	if s.producer == nil || s.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "转账服务未初始化")
	}

	units, err := ParseAmount(req.Amount, s.decimals)
	if err != nil {
		s.recordRejection(ctx, req, err)
		return nil, err
	}
	intent := TransferIntent{
		ID:          strings.TrimSpace(req.ID),
		Destination: strings.TrimSpace(req.Destination),
		Amount:      units,
		Note:        req.Note,
		Principal:   req.Principal,
		RequestedAt: s.now(),
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	// 限额与余额由执行器核验，这里只拦截格式层面的问题。
	if err := ValidateIntent(intent, 0); err != nil {
		s.recordRejection(ctx, req, err)
		return nil, err
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化转账意图失败")
	}
	if err := s.producer.Publish(ctx, string(payload)); err != nil {
		logger.L().Error("转账意图入队失败", slog.Any("error", err), slog.String("intent_id", intent.ID))
		return nil, xerrors.Wrap(CodeTransferPublish, err, "发布转账意图到队列失败")
	}
	logger.Audit().Info("转账意图已入队",
		slog.String("intent_id", intent.ID),
		slog.String("destination", intent.Destination),
		slog.String("amount", DisplayAmount(intent.Amount, s.decimals)),
		slog.String("principal", intent.Principal),
	)
	return &intent, nil
}

// recordRejection 把校验阶段拒绝的请求留痕。拒绝没有链上副作用，
// 写入失败只记日志，不影响拒绝结果。
func (s *Service) recordRejection(ctx context.Context, req SubmitRequest, cause error) {
	entry := &ledger.Entry{
		Kind:        ledger.KindRejectionNote,
		IntentID:    strings.TrimSpace(req.ID),
		Destination: req.Destination,
		ErrorCode:   string(xerrors.CodeOf(cause)),
		ErrorMsg:    cause.Error(),
		Note:        req.Note,
		Principal:   req.Principal,
		CreatedAt:   s.now().Unix(),
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		logger.L().Error("记录拒绝请求失败", slog.Any("error", err))
	}
}

// Status 返回意图当前（最新一次尝试）的状态视图。
func (s *Service) Status(ctx context.Context, intentID string) (*TransferAttempt, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "意图 ID 不能为空")
	}
	entries, err := s.ledger.ListByIntent(ctx, intentID)
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
		return nil, xerrors.New(xerrors.CodeNotFound, "意图不存在: "+intentID)
	}
	return attemptFromEntry(*last), nil
}

// HistoryItem 是对外展示的账本条目，金额换算成十进制并附上浏览器链接。
type HistoryItem struct {
	Seq         uint64 `json:"seq"`
	Kind        string `json:"kind"`
	IntentID    string `json:"intent_id,omitempty"`
	AttemptID   string `json:"attempt_id,omitempty"`
	State       string `json:"state,omitempty"`
	Destination string `json:"destination,omitempty"`
	Amount      string `json:"amount,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
	Note        string `json:"note,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// History 返回最近的账本条目，按时间倒序。
func (s *Service) History(ctx context.Context, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := s.ledger.List(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本失败")
	}
	items := make([]HistoryItem, 0, len(entries))
	for _, entry := range entries {
		item := HistoryItem{
			Seq:         entry.Seq,
			Kind:        string(entry.Kind),
			IntentID:    entry.IntentID,
			AttemptID:   entry.AttemptID,
			State:       entry.State,
			Destination: entry.Destination,
			TxHash:      entry.TxHash,
			Note:        entry.Note,
			ErrorCode:   entry.ErrorCode,
			CreatedAt:   entry.CreatedAt,
		}
		if entry.Amount > 0 {
			item.Amount = DisplayAmount(entry.Amount, s.decimals)
		}
		if entry.TxHash != "" && s.explorerTxURL != "" {
			item.ExplorerURL = s.explorerTxURL + entry.TxHash
		}
		items = append(items, item)
	}
	return items, nil
}

// BalanceReport 是余额查询结果。
type BalanceReport struct {
	Address string `json:"address"`
	Units   string `json:"units"`
	Display string `json:"display"`
}

// Balance 查询托管账户当前的代币余额。
func (s *Service) Balance(ctx context.Context) (*BalanceReport, error) {
	if s.client == nil || s.signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端未初始化")
	}
	balance, err := s.client.BalanceOf(ctx, s.signer.Address())
	if err != nil {
		return nil, err
	}
	return &BalanceReport{
		Address: s.signer.Address().Hex(),
		Units:   balance.String(),
		Display: DisplayBalance(balance, s.decimals),
	}, nil
}

// Address 返回托管账户地址。
func (s *Service) Address() string {
	if s.signer == nil {
		return ""
	}
	return s.signer.Address().Hex()
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
