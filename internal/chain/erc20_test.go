package chain

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPackTransferSelector(t *testing.T) {
	to := common.HexToAddress("0x66aB6D9362d4F35596279692F0251Db635165871")
	data, err := PackTransfer(to, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("calldata 长度异常: %d", len(data))
	}
	if hex.EncodeToString(data[:4]) != "a9059cbb" {
		t.Fatalf("transfer 选择子不符: %x", data[:4])
	}
	// 地址左填充到 32 字节。
	if common.BytesToAddress(data[4:36]) != to {
		t.Fatal("目标地址编码不符")
	}
	if new(big.Int).SetBytes(data[36:]).Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatal("金额编码不符")
	}
}

func TestPackBalanceOfSelector(t *testing.T) {
	owner := common.HexToAddress("0x66aB6D9362d4F35596279692F0251Db635165871")
	data, err := PackBalanceOf(owner)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if hex.EncodeToString(data[:4]) != "70a08231" {
		t.Fatalf("balanceOf 选择子不符: %x", data[:4])
	}
}

func TestUnpackBalanceRoundTrip(t *testing.T) {
	want := big.NewInt(987_654_321)
	word := make([]byte, 32)
	want.FillBytes(word)

	got, err := UnpackBalance(word)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("余额不符: %s != %s", got, want)
	}
}

func TestUnpackBalanceRejectsGarbage(t *testing.T) {
	if _, err := UnpackBalance([]byte{0x01, 0x02}); err == nil {
		t.Fatal("残缺返回值应报错")
	}
}

func TestRejectionErrorRoundTrip(t *testing.T) {
	err := Reject(ReasonNonceTooLow, errors.New("nonce too low"))
	rej, ok := AsRejection(err)
	if !ok {
		t.Fatal("应能还原拒绝错误")
	}
	if rej.Reason != ReasonNonceTooLow {
		t.Fatalf("拒绝原因不符: %s", rej.Reason)
	}
	if !strings.Contains(err.Error(), "nonce too low") {
		t.Fatalf("错误信息丢失: %v", err)
	}
	if _, ok := AsRejection(nil); ok {
		t.Fatal("nil 不应被识别为拒绝错误")
	}
}
