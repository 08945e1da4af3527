package utils

import (
	"fmt"
	"math/big"
	"strings"
)

func TruncateString(str string, num int) string {
	if len(str) <= num {
		return str
	}
	if num <= 3 {
		return str[:num]
	}
	return str[0:num-3] + "..."
}

func AddCommas(s string) string {
	if len(s) == 0 {
		return s
	}
	parts := strings.Split(s, ".")
	integerPart := parts[0]
	sign := ""
	if strings.HasPrefix(integerPart, "-") {
		sign = "-"
		integerPart = integerPart[1:]
	}

	n := len(integerPart)
	if n <= 3 {
		return s
	}

	var result strings.Builder
	result.WriteString(sign)
	remainder := n % 3
	if remainder > 0 {
		result.WriteString(integerPart[:remainder])
		result.WriteString(",")
	}
	for i := remainder; i < n; i += 3 {
		if i > remainder {
			result.WriteString(",")
		}
		result.WriteString(integerPart[i : i+3])
	}

	if len(parts) > 1 {
		result.WriteString(".")
		result.WriteString(parts[1])
	}
	return result.String()
}

func FormatBigFloat(f *big.Float, decimals int) string {
	if f == nil {
		return "0"
	}
	return AddCommas(f.Text('f', decimals))
}

// FormatWei renders an integer amount of base units in whole units with the
// given number of fraction digits. 18 base decimals is ether.
func FormatWei(wei *big.Int, baseDecimals, decimals int) string {
	if wei == nil {
		return "0"
	}
	unit := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(baseDecimals)), nil))
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), unit)
	return FormatBigFloat(f, decimals)
}

// ShortAddress abbreviates a hex address as 0x1234...abcd.
func ShortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// ParseUnits converts a decimal amount like "1.25" into base units.
func ParseUnits(amount string, baseDecimals int) (*big.Int, error) {
	amount = strings.ReplaceAll(strings.TrimSpace(amount), ",", "")
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("amount must not be negative")
	}
	parts := strings.SplitN(amount, ".", 2)
	whole, frac := parts[0], ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > baseDecimals {
		return nil, fmt.Errorf("too many decimal places in %q", amount)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", baseDecimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return v, nil
}
