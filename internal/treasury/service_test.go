package treasury

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"USDC-Treasurer/internal/config"
	xerrors "USDC-Treasurer/internal/errors"
	"USDC-Treasurer/internal/ledger"
	"USDC-Treasurer/internal/signer"
)

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		TokenDecimals: 6,
		ExplorerTxURL: "https://sepolia.etherscan.io/tx/",
	}
}

func newTestService(t *testing.T, client *fakeClient) (*Service, *MemoryQueue, *ledger.FileLedger) {
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
	queue := NewMemoryQueue(16)
	return NewService(ldg, queue, client, sgn, testChainConfig()), queue, ldg
}

func TestSubmitPublishesIntent(t *testing.T) {
	svc, queue, _ := newTestService(t, newFakeClient(1_000_000_000))

	intent, err := svc.Submit(context.Background(), SubmitRequest{
		ID:          "intent-svc",
		Destination: testDest,
		Amount:      "12.5",
		Note:        "工资结算",
		Principal:   "ops@treasury",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if intent.Amount != 12_500_000 {
		t.Fatalf("期望 12500000 最小单位, 实际 %d", intent.Amount)
	}

	select {
	case payload := <-queue.ch:
		var decoded TransferIntent
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			t.Fatalf("队列消息应为 JSON 意图: %v", err)
		}
		if decoded.ID != "intent-svc" || decoded.Amount != 12_500_000 {
			t.Fatalf("队列消息内容不符: %+v", decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("队列中没有消息")
	}
}

func TestSubmitAssignsIDWhenMissing(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeClient(1_000_000_000))

	intent, err := svc.Submit(context.Background(), SubmitRequest{
		Destination: testDest,
		Amount:      "1",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if strings.TrimSpace(intent.ID) == "" {
		t.Fatal("缺省时应生成意图 ID")
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		req  SubmitRequest
		code xerrors.Code
	}{
		{name: "金额非法", req: SubmitRequest{Destination: testDest, Amount: "abc"}, code: CodeInvalidAmount},
		{name: "金额为零", req: SubmitRequest{Destination: testDest, Amount: "0"}, code: CodeInvalidAmount},
		{name: "精度超限", req: SubmitRequest{Destination: testDest, Amount: "1.0000001"}, code: CodeInvalidAmount},
		{name: "地址非法", req: SubmitRequest{Destination: "not-an-address", Amount: "1"}, code: CodeInvalidDestination},
		{name: "零地址", req: SubmitRequest{Destination: "0x0000000000000000000000000000000000000000", Amount: "1"}, code: CodeInvalidDestination},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, ldg := newTestService(t, newFakeClient(1_000_000_000))
			_, err := svc.Submit(context.Background(), tc.req)
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("期望 %s, 实际 %v", tc.code, err)
			}
			entries, _ := ldg.All(context.Background())
			var noted bool
			for _, entry := range entries {
				if entry.Kind == ledger.KindRejectionNote {
					noted = true
				}
			}
			if !noted {
				t.Fatal("拒绝的请求应留痕")
			}
		})
	}
}

func TestHistoryAttachesExplorerLinks(t *testing.T) {
	svc, _, ldg := newTestService(t, newFakeClient(1_000_000_000))

	hash := "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
	if err := ldg.Append(context.Background(), &ledger.Entry{
		Kind:      ledger.KindTransition,
		IntentID:  "intent-h",
		AttemptID: "attempt-h",
		State:     "confirmed",
		Amount:    5_000_000,
		TxHash:    hash,
		CreatedAt: time.Now().Unix(),
	}); err != nil {
		t.Fatalf("写入账本失败: %v", err)
	}

	items, err := svc.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("期望 1 条历史, 实际 %d", len(items))
	}
	if items[0].Amount != "5" {
		t.Fatalf("期望金额显示为 5, 实际 %s", items[0].Amount)
	}
	if items[0].ExplorerURL != "https://sepolia.etherscan.io/tx/"+hash {
		t.Fatalf("浏览器链接不对: %s", items[0].ExplorerURL)
	}
}

func TestStatusReturnsLatestAttemptView(t *testing.T) {
	svc, _, ldg := newTestService(t, newFakeClient(1_000_000_000))

	for _, state := range []string{"created", "validated", "failed"} {
		if err := ldg.Append(context.Background(), &ledger.Entry{
			Kind:      ledger.KindTransition,
			IntentID:  "intent-s",
			AttemptID: "attempt-s",
			State:     state,
			Amount:    1_000_000,
			CreatedAt: time.Now().Unix(),
		}); err != nil {
			t.Fatalf("写入账本失败: %v", err)
		}
	}

	attempt, err := svc.Status(context.Background(), "intent-s")
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if attempt.State != StateFailed {
		t.Fatalf("期望 failed, 实际 %s", attempt.State)
	}

	if _, err := svc.Status(context.Background(), "no-such-intent"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("缺失意图应返回 NOT_FOUND, 实际 %v", err)
	}
}

func TestBalanceReport(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeClient(1_234_567))

	report, err := svc.Balance(context.Background())
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if report.Units != "1234567" {
		t.Fatalf("期望最小单位 1234567, 实际 %s", report.Units)
	}
	if report.Display != "1.234567" {
		t.Fatalf("期望显示 1.234567, 实际 %s", report.Display)
	}
	if report.Address == "" {
		t.Fatal("缺少账户地址")
	}
}

func TestParseAmountEdgeCases(t *testing.T) {
	if units, err := ParseAmount("1000", 6); err != nil || units != 1_000_000_000 {
		t.Fatalf("整数金额解析失败: %d, %v", units, err)
	}
	if units, err := ParseAmount("0.000001", 6); err != nil || units != 1 {
		t.Fatalf("最小粒度解析失败: %d, %v", units, err)
	}
	if _, err := ParseAmount("-5", 6); xerrors.CodeOf(err) != CodeInvalidAmount {
		t.Fatalf("负数应被拒绝: %v", err)
	}
	if _, err := ParseAmount("0.0000001", 6); xerrors.CodeOf(err) != CodeInvalidAmount {
		t.Fatalf("超精度应被拒绝: %v", err)
	}
}
