package treasury

import (
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"

	xerrors "USDC-Treasurer/internal/errors"
)

// ParseAmount 把人类可读的十进制金额（如 "12.5"）换算成最小单位。
// 超出代币精度的小数位直接拒绝，绝不做四舍五入。
func ParseAmount(text string, decimals int) (uint64, error) {
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, xerrors.Wrap(CodeInvalidAmount, err, "金额格式无效: "+text)
	}
	if d.Sign() <= 0 {
		return 0, xerrors.New(CodeInvalidAmount, "金额必须大于零")
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return 0, xerrors.New(CodeInvalidAmount,
			"金额精度超过代币精度 "+strconv.Itoa(decimals)+" 位")
	}
	units := scaled.BigInt()
	if !units.IsUint64() {
		return 0, xerrors.New(CodeInvalidAmount, "金额超出可表示范围")
	}
	return units.Uint64(), nil
}

// DisplayAmount 把最小单位金额格式化成十进制字符串。
func DisplayAmount(units uint64, decimals int) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals)).String()
}

// DisplayBalance 把链上返回的 big.Int 余额格式化成十进制字符串。
func DisplayBalance(units *big.Int, decimals int) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -int32(decimals)).String()
}

// formatAmount 以最小单位输出金额，用于日志与错误详情。
func formatAmount(units uint64) string {
	return strconv.FormatUint(units, 10)
}
