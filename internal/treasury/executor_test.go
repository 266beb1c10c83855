package treasury

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"USDC-Treasurer/internal/chain"
	xerrors "USDC-Treasurer/internal/errors"
	"USDC-Treasurer/internal/ledger"
	"USDC-Treasurer/internal/nonce"
	"USDC-Treasurer/internal/signer"
)

// 固定测试私钥（公开的开发用 key，无真实资金）。
const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

var (
	testChainID = big.NewInt(11155111)
	testToken   = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	testDest    = "0x66aB6D9362d4F35596279692F0251Db635165871"
)

// fakeClient 是可脚本化的链客户端。submitErrs 依次作为每次广播的
// 结果，耗尽后广播成功；成功的广播默认立即可查到已确认回执。
type fakeClient struct {
	mu sync.Mutex

	balance       *big.Int
	nativeBalance *big.Int
	pendingNonce  uint64
	gasPrice      *big.Int

	submitErrs  []error
	submitCalls int
	submitted   [][]byte

	receipts     map[common.Hash]chain.Receipt
	neverConfirm bool
	revert       bool
}

func newFakeClient(balance uint64) *fakeClient {
	return &fakeClient{
		balance:       new(big.Int).SetUint64(balance),
		nativeBalance: big.NewInt(1_000_000_000_000_000_000),
		gasPrice:      big.NewInt(2_000_000_000),
		receipts:      make(map[common.Hash]chain.Receipt),
	}
}

func (c *fakeClient) BalanceOf(_ context.Context, _ common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeClient) NativeBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.nativeBalance), nil
}

func (c *fakeClient) PendingNonce(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonce, nil
}

func (c *fakeClient) SuggestFees(_ context.Context) (chain.FeeParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chain.FeeParams{GasPrice: new(big.Int).Set(c.gasPrice)}, nil
}

func (c *fakeClient) SubmitRaw(_ context.Context, raw []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	c.submitted = append(c.submitted, append([]byte(nil), raw...))
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	var tx coretypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, chain.Reject(chain.ReasonMalformed, err)
	}
	hash := tx.Hash()
	if !c.neverConfirm {
		c.receipts[hash] = chain.Receipt{State: chain.ReceiptConfirmed, BlockNumber: 100, Reverted: c.revert}
	}
	return hash, nil
}

func (c *fakeClient) Receipt(_ context.Context, hash common.Hash) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if receipt, ok := c.receipts[hash]; ok {
		return receipt, nil
	}
	return chain.Receipt{State: chain.ReceiptNotFound}, nil
}

func (c *fakeClient) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(testChainID), nil
}

func (c *fakeClient) Close() {}

var _ chain.Client = (*fakeClient)(nil)

func testPolicy() Policy {
	return Policy{
		PerTransferCap:       1_000_000_000,
		WindowCap:            5_000_000_000,
		Window:               time.Hour,
		SubmitMaxRetries:     5,
		SubmitBackoff:        time.Millisecond,
		SubmitBackoffCap:     4 * time.Millisecond,
		ConfirmPollInterval:  time.Millisecond,
		ConfirmTimeout:       time.Second,
		FeeFloorWei:          1_000_000_000,
		GasLimit:             100_000,
		DiscrepancyTolerance: 1_000_000,
	}
}

func newTestExecutor(t *testing.T, client chain.Client, policy Policy) (*Executor, *ledger.FileLedger) {
	t.Helper()
	ldg, err := ledger.NewFileLedger(t.TempDir())
	if err != nil {
		t.Fatalf("创建账本失败: %v", err)
	}
	t.Cleanup(func() { _ = ldg.Close() })

	sgn, err := signer.New(testKeyHex, testChainID, testToken)
	if err != nil {
		t.Fatalf("创建签名器失败: %v", err)
	}
	nm := nonce.NewManager(sgn.Address())
	nm.Seed(0, nil)
	return NewExecutor(ldg, client, sgn, nm, policy), ldg
}

func intentFor(id string, amount uint64) TransferIntent {
	return TransferIntent{
		ID:          id,
		Destination: testDest,
		Amount:      amount,
		Principal:   "ops@treasury",
		RequestedAt: time.Now(),
	}
}

func statesByIntent(t *testing.T, ldg *ledger.FileLedger, intentID string) []string {
	t.Helper()
	entries, err := ldg.ListByIntent(context.Background(), intentID)
	if err != nil {
		t.Fatalf("查询账本失败: %v", err)
	}
	var states []string
	for _, entry := range entries {
		if entry.Kind == ledger.KindTransition {
			states = append(states, entry.State)
		}
	}
	return states
}

func TestExecuteHappyPath(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	e, ldg := newTestExecutor(t, client, testPolicy())

	attempt, err := e.Execute(context.Background(), intentFor("intent-1", 250_000_000))
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if attempt.State != StateConfirmed {
		t.Fatalf("期望 confirmed, 实际 %s", attempt.State)
	}
	if attempt.TxHash == "" {
		t.Fatal("缺少交易哈希")
	}
	if attempt.Nonce == nil || *attempt.Nonce != 0 {
		t.Fatalf("期望 nonce 0, 实际 %v", attempt.Nonce)
	}

	want := []string{"created", "validated", "nonce_reserved", "signed", "submitted", "confirmed"}
	got := statesByIntent(t, ldg, "intent-1")
	if len(got) != len(want) {
		t.Fatalf("期望 %d 次迁移, 实际 %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 次迁移期望 %s, 实际 %s", i, want[i], got[i])
		}
	}
}

func TestExecuteRetriesNetworkErrorWithSameBytes(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	client.submitErrs = []error{
		chain.NetworkError(context.DeadlineExceeded, "连接超时"),
		chain.NetworkError(context.DeadlineExceeded, "连接超时"),
		nil,
	}
	e, _ := newTestExecutor(t, client, testPolicy())

	attempt, err := e.Execute(context.Background(), intentFor("intent-retry", 100_000_000))
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if attempt.State != StateConfirmed {
		t.Fatalf("期望 confirmed, 实际 %s", attempt.State)
	}
	if attempt.SubmitCount != 3 {
		t.Fatalf("期望广播 3 次, 实际 %d", attempt.SubmitCount)
	}
	if len(client.submitted) != 3 {
		t.Fatalf("期望记录 3 次广播, 实际 %d", len(client.submitted))
	}
	for i := 1; i < len(client.submitted); i++ {
		if string(client.submitted[i]) != string(client.submitted[0]) {
			t.Fatal("重试必须使用完全相同的签名字节")
		}
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	for i := 0; i < 10; i++ {
		client.submitErrs = append(client.submitErrs, chain.NetworkError(context.DeadlineExceeded, "连接超时"))
	}
	policy := testPolicy()
	policy.SubmitMaxRetries = 3
	e, _ := newTestExecutor(t, client, policy)

	attempt, err := e.Execute(context.Background(), intentFor("intent-exhaust", 100_000_000))
	if err == nil {
		t.Fatal("期望重试耗尽错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("期望 RETRIES_EXHAUSTED, 实际 %s", xerrors.CodeOf(err))
	}
	if attempt.State != StateFailed {
		t.Fatalf("期望 failed, 实际 %s", attempt.State)
	}
	if client.submitCalls != 3 {
		t.Fatalf("期望广播 3 次, 实际 %d", client.submitCalls)
	}
}

func TestExecuteValidationBoundaries(t *testing.T) {
	policy := testPolicy()
	cases := []struct {
		name   string
		amount uint64
		code   xerrors.Code
		ok     bool
	}{
		{name: "零金额", amount: 0, code: CodeInvalidAmount},
		{name: "等于上限", amount: policy.PerTransferCap, ok: true},
		{name: "超过上限", amount: policy.PerTransferCap + 1, code: CodeCapExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeClient(10_000_000_000)
			e, _ := newTestExecutor(t, client, policy)
			attempt, err := e.Execute(context.Background(), intentFor("intent-"+tc.name, tc.amount))
			if tc.ok {
				if err != nil {
					t.Fatalf("期望成功, 实际 %v", err)
				}
				if attempt.State != StateConfirmed {
					t.Fatalf("期望 confirmed, 实际 %s", attempt.State)
				}
				return
			}
			if err == nil {
				t.Fatal("期望校验失败")
			}
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("期望 %s, 实际 %s", tc.code, xerrors.CodeOf(err))
			}
			if attempt.State != StateFailed {
				t.Fatalf("期望 failed, 实际 %s", attempt.State)
			}
			if client.submitCalls != 0 {
				t.Fatal("校验失败不应有任何广播")
			}
		})
	}
}

func TestExecuteInsufficientFunds(t *testing.T) {
	client := newFakeClient(50)
	e, _ := newTestExecutor(t, client, testPolicy())

	_, err := e.Execute(context.Background(), intentFor("intent-poor", 100))
	if xerrors.CodeOf(err) != CodeInsufficientFunds {
		t.Fatalf("期望 TRANSFER_INSUFFICIENT_FUNDS, 实际 %v", err)
	}
}

func TestExecuteInsufficientNativeForFees(t *testing.T) {
	// 代币余额足够但原生币付不起手续费预算（gas price × gas limit）。
	client := newFakeClient(10_000_000_000)
	client.nativeBalance = big.NewInt(1_000) // 远低于 2e9 × 1e5 wei
	e, _ := newTestExecutor(t, client, testPolicy())

	_, err := e.Execute(context.Background(), intentFor("intent-no-gas", 100_000_000))
	if xerrors.CodeOf(err) != CodeInsufficientFunds {
		t.Fatalf("期望 TRANSFER_INSUFFICIENT_FUNDS, 实际 %v", err)
	}
	if client.submitCalls != 0 {
		t.Fatal("手续费不足不应有任何广播")
	}
}

func TestExecuteCrossChecksBalanceAgainstLedger(t *testing.T) {
	// 链上读数偏离账本推算值时告警，但不阻塞转账：账本不记录入账,
	// 推算值只是参考，余额充足性以链上读数为准。
	client := newFakeClient(10_000_000_000)
	e, ldg := newTestExecutor(t, client, testPolicy())
	dispatcher := &recordingDispatcher{}
	e.alerter = dispatcher

	// 上次采样观测到 500 亿，其后没有任何确认转出，这次却只读到
	// 100 亿，偏差远超容差。
	if err := ldg.Append(context.Background(), &ledger.Entry{
		Kind:            ledger.KindBalanceSample,
		ObservedBalance: 50_000_000_000,
		ExpectedBalance: 50_000_000_000,
		CreatedAt:       time.Now().Add(-time.Minute).Unix(),
	}); err != nil {
		t.Fatalf("写入采样失败: %v", err)
	}

	attempt, err := e.Execute(context.Background(), intentFor("intent-cross", 100_000_000))
	if err != nil {
		t.Fatalf("偏差不应阻塞转账: %v", err)
	}
	if attempt.State != StateConfirmed {
		t.Fatalf("期望 confirmed, 实际 %s", attempt.State)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("期望 1 次余额偏差告警, 实际 %d", dispatcher.count())
	}
	if dispatcher.events[0].Code != CodeBalanceDiscrepancy {
		t.Fatalf("期望 BALANCE_DISCREPANCY, 实际 %s", dispatcher.events[0].Code)
	}
}

func TestExecuteWindowCap(t *testing.T) {
	policy := testPolicy()
	policy.PerTransferCap = 4_000_000_000
	policy.WindowCap = 5_000_000_000
	client := newFakeClient(100_000_000_000)
	e, _ := newTestExecutor(t, client, policy)

	if _, err := e.Execute(context.Background(), intentFor("win-1", 3_000_000_000)); err != nil {
		t.Fatalf("第一笔应成功: %v", err)
	}
	_, err := e.Execute(context.Background(), intentFor("win-2", 2_500_000_000))
	if xerrors.CodeOf(err) != CodeCapExceeded {
		t.Fatalf("期望窗口限额拦截, 实际 %v", err)
	}
	// 窗口内剩余额度仍可用。
	if _, err := e.Execute(context.Background(), intentFor("win-3", 2_000_000_000)); err != nil {
		t.Fatalf("额度内的转账应成功: %v", err)
	}
}

func TestExecuteIdempotentAfterCompletion(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	e, _ := newTestExecutor(t, client, testPolicy())

	first, err := e.Execute(context.Background(), intentFor("intent-dup", 100_000_000))
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	second, err := e.Execute(context.Background(), intentFor("intent-dup", 100_000_000))
	if err != nil {
		t.Fatalf("重复执行失败: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("重复提交应返回同一次尝试, %s != %s", second.ID, first.ID)
	}
	if client.submitCalls != 1 {
		t.Fatalf("链上应只有一次广播, 实际 %d", client.submitCalls)
	}
}

func TestExecuteConcurrentDuplicates(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	e, _ := newTestExecutor(t, client, testPolicy())

	const callers = 8
	results := make([]*TransferAttempt, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Execute(context.Background(), intentFor("intent-race", 100_000_000))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("调用 %d 失败: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatal("并发重复提交必须收敛到同一次尝试")
		}
	}
	if client.submitCalls != 1 {
		t.Fatalf("链上应只有一次广播, 实际 %d", client.submitCalls)
	}
}

func TestExecuteNonceTooLowReconciles(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	client.pendingNonce = 7
	client.submitErrs = []error{chain.Reject(chain.ReasonNonceTooLow, nil)}
	e, ldg := newTestExecutor(t, client, testPolicy())

	attempt, err := e.Execute(context.Background(), intentFor("intent-low", 100_000_000))
	if err != nil {
		t.Fatalf("对账后的重试应成功: %v", err)
	}
	if attempt.State != StateConfirmed {
		t.Fatalf("期望 confirmed, 实际 %s", attempt.State)
	}
	if attempt.Nonce == nil || *attempt.Nonce != 7 {
		t.Fatalf("期望对账后的 nonce 7, 实际 %v", attempt.Nonce)
	}

	// 账本里应有两次尝试：第一次 failed，第二次 confirmed。
	entries, err := ldg.ListByIntent(context.Background(), "intent-low")
	if err != nil {
		t.Fatalf("查询账本失败: %v", err)
	}
	attempts := make(map[string]string)
	for _, entry := range entries {
		if entry.Kind == ledger.KindTransition {
			attempts[entry.AttemptID] = entry.State
		}
	}
	if len(attempts) != 2 {
		t.Fatalf("期望 2 次尝试, 实际 %d", len(attempts))
	}
	var failed, confirmed int
	for _, state := range attempts {
		switch state {
		case "failed":
			failed++
		case "confirmed":
			confirmed++
		}
	}
	if failed != 1 || confirmed != 1 {
		t.Fatalf("期望一次 failed 一次 confirmed, 实际 %v", attempts)
	}
}

func TestExecuteDropsWhenNeverConfirmed(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	client.neverConfirm = true
	policy := testPolicy()
	policy.ConfirmTimeout = 20 * time.Millisecond
	policy.ConfirmPollInterval = 2 * time.Millisecond
	e, _ := newTestExecutor(t, client, policy)

	attempt, err := e.Execute(context.Background(), intentFor("intent-drop", 100_000_000))
	if xerrors.CodeOf(err) != CodeTransferDropped {
		t.Fatalf("期望 TRANSFER_DROPPED, 实际 %v", err)
	}
	if attempt.State != StateDropped {
		t.Fatalf("期望 dropped, 实际 %s", attempt.State)
	}
}

func TestExecuteRevertedTransfer(t *testing.T) {
	client := newFakeClient(10_000_000_000)
	client.revert = true
	e, _ := newTestExecutor(t, client, testPolicy())

	attempt, err := e.Execute(context.Background(), intentFor("intent-revert", 100_000_000))
	if xerrors.CodeOf(err) != CodeTransferReverted {
		t.Fatalf("期望 TRANSFER_REVERTED, 实际 %v", err)
	}
	if attempt.State != StateFailed {
		t.Fatalf("期望 failed, 实际 %s", attempt.State)
	}
}

// seedCrashLedger 手工构造一个停在给定状态序列末尾的账本，等价于
// 进程在该时刻崩溃后的磁盘状态。signed 及之后的条目带交易哈希与
// 签名字节。
func seedCrashLedger(t *testing.T, sgn *signer.Signer, intentID string, states []string) (*ledger.FileLedger, signer.SignedTransfer) {
	t.Helper()
	ldg, err := ledger.NewFileLedger(t.TempDir())
	if err != nil {
		t.Fatalf("创建账本失败: %v", err)
	}
	t.Cleanup(func() { _ = ldg.Close() })

	fees := chain.FeeParams{GasPrice: big.NewInt(2_000_000_000), GasLimit: 100_000}
	signed, err := sgn.SignTransfer(common.HexToAddress(testDest), big.NewInt(100_000_000), 3, fees)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	n := uint64(3)
	base := &ledger.Entry{
		Kind:        ledger.KindTransition,
		IntentID:    intentID,
		AttemptID:   "attempt-crash",
		Destination: testDest,
		Amount:      100_000_000,
		Nonce:       &n,
		CreatedAt:   time.Now().Unix(),
	}
	for _, state := range states {
		entry := *base
		entry.State = state
		if state == "signed" || state == "submitted" {
			entry.TxHash = signed.Hash.Hex()
			entry.SignedPayload = "0x" + common.Bytes2Hex(signed.Raw)
		}
		if err := ldg.Append(context.Background(), &entry); err != nil {
			t.Fatalf("写入账本失败: %v", err)
		}
	}
	return ldg, signed
}

func waitForFinalState(t *testing.T, ldg *ledger.FileLedger, intentID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		states := statesByIntent(t, ldg, intentID)
		if len(states) > 0 && states[len(states)-1] == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("未在期限内到达 %s, 迁移: %v", want, states)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResumeInflightConfirmsAfterRestart(t *testing.T) {
	sgn, err := signer.New(testKeyHex, testChainID, testToken)
	if err != nil {
		t.Fatalf("创建签名器失败: %v", err)
	}
	ldg2, signed := seedCrashLedger(t, sgn, "intent-crash",
		[]string{"created", "validated", "nonce_reserved", "signed", "submitted"})

	// 重启：节点这次认识这笔交易并确认它。
	client2 := newFakeClient(10_000_000_000)
	nm2 := nonce.NewManager(sgn.Address())
	nm2.Seed(4, nil)
	e2 := NewExecutor(ldg2, client2, sgn, nm2, testPolicy())
	resumed, err := e2.ResumeInflight(context.Background())
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("期望恢复 1 笔在途交易, 实际 %d", resumed)
	}

	waitForFinalState(t, ldg2, "intent-crash", "confirmed")
	// 恢复时只重播保存的字节，绝不重新签名产生新交易。
	if client2.submitCalls != 1 {
		t.Fatalf("期望恢复时重播一次原始字节, 实际 %d 次广播", client2.submitCalls)
	}
	if string(client2.submitted[0]) != string(signed.Raw) {
		t.Fatal("恢复重播的字节必须与账本保存的一致")
	}
}

func TestResumeInflightRebroadcastsSignedCrash(t *testing.T) {
	// 崩溃点在广播与落盘 submitted 之间：账本最后一条是 signed，
	// 交易可能已经在链上。恢复必须重播同一份字节而不是另起炉灶。
	sgn, err := signer.New(testKeyHex, testChainID, testToken)
	if err != nil {
		t.Fatalf("创建签名器失败: %v", err)
	}
	ldg2, signed := seedCrashLedger(t, sgn, "intent-signed-crash",
		[]string{"created", "validated", "nonce_reserved", "signed"})

	client2 := newFakeClient(10_000_000_000)
	nm2 := nonce.NewManager(sgn.Address())
	nm2.Seed(4, nil)
	e2 := NewExecutor(ldg2, client2, sgn, nm2, testPolicy())
	resumed, err := e2.ResumeInflight(context.Background())
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("期望恢复 1 笔在途交易, 实际 %d", resumed)
	}

	waitForFinalState(t, ldg2, "intent-signed-crash", "confirmed")
	if client2.submitCalls != 1 {
		t.Fatalf("期望恢复时重播一次原始字节, 实际 %d 次广播", client2.submitCalls)
	}
	if string(client2.submitted[0]) != string(signed.Raw) {
		t.Fatal("恢复重播的字节必须与账本保存的一致")
	}
	// 补记的 submitted 迁移让账本重新收敛到正常序列。
	want := []string{"created", "validated", "nonce_reserved", "signed", "submitted", "confirmed"}
	got := statesByIntent(t, ldg2, "intent-signed-crash")
	if len(got) != len(want) {
		t.Fatalf("期望 %d 次迁移, 实际 %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 次迁移期望 %s, 实际 %s", i, want[i], got[i])
		}
	}
}

func TestExecuteReusesSignedResidue(t *testing.T) {
	// 同一意图重新投递时，停在 signed 的历史尝试必须被复用，
	// 不允许预留新 nonce 再转一笔。
	sgn, err := signer.New(testKeyHex, testChainID, testToken)
	if err != nil {
		t.Fatalf("创建签名器失败: %v", err)
	}
	ldg2, _ := seedCrashLedger(t, sgn, "intent-signed-dup",
		[]string{"created", "validated", "nonce_reserved", "signed"})

	client2 := newFakeClient(10_000_000_000)
	nm2 := nonce.NewManager(sgn.Address())
	nm2.Seed(4, nil)
	e2 := NewExecutor(ldg2, client2, sgn, nm2, testPolicy())

	attempt, err := e2.Execute(context.Background(), intentFor("intent-signed-dup", 100_000_000))
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if attempt.ID != "attempt-crash" {
		t.Fatalf("期望复用既有尝试, 实际新建了 %s", attempt.ID)
	}
	if attempt.Nonce == nil || *attempt.Nonce != 3 {
		t.Fatalf("期望沿用 nonce 3, 实际 %v", attempt.Nonce)
	}
	if client2.submitCalls != 0 {
		t.Fatalf("重复投递不应有任何新广播, 实际 %d", client2.submitCalls)
	}
}

func TestCanTransitionTable(t *testing.T) {
	allowed := [][2]AttemptState{
		{StateCreated, StateValidated},
		{StateValidated, StateNonceReserved},
		{StateNonceReserved, StateSigned},
		{StateSigned, StateSubmitted},
		{StateSubmitted, StateConfirmed},
		{StateSubmitted, StateDropped},
		{StateCreated, StateFailed},
		{StateSubmitted, StateFailed},
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("%s -> %s 应被允许", edge[0], edge[1])
		}
	}
	forbidden := [][2]AttemptState{
		{StateCreated, StateSubmitted},
		{StateConfirmed, StateFailed},
		{StateDropped, StateSubmitted},
		{StateFailed, StateValidated},
		{StateSubmitted, StateNonceReserved},
	}
	for _, edge := range forbidden {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("%s -> %s 不应被允许", edge[0], edge[1])
		}
	}
}
