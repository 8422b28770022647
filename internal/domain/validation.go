package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidIdentity    = errors.New("identity must only contain alphanumerics and dashes")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrMissingDestination = errors.New("at least one destination is required")
)

// 正则表达式
var (
	// 身份只允许字母、数字和短横线
	identityRegex = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

	// 类 E.164 电话号码，可选前导 +
	phoneRegex = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
)

// NormalizeIdentity 去除首尾空白并校验身份格式
//
// 返回去空白后的身份。空字符串、内部空白或其他标点都会被拒绝。
func NormalizeIdentity(raw string) (string, error) {
	identity := strings.TrimSpace(raw)
	if !identityRegex.MatchString(identity) {
		return "", ErrInvalidIdentity
	}
	return identity, nil
}

// ValidateIdentity 校验已保存的身份（不做任何裁剪）
func ValidateIdentity(identity string) bool {
	return identityRegex.MatchString(identity)
}

// ValidatePhoneNumber 校验外呼号码
func ValidatePhoneNumber(number string) error {
	if !phoneRegex.MatchString(number) {
		return ErrInvalidPhoneNumber
	}
	return nil
}

// SplitRecipients 将逗号分隔的收件人解析为地址列表
func SplitRecipients(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
