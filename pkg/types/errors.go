package types

import "errors"

// 错误分类。各层用 %w 包装并附带周期、交易对、状态迁移等上下文。
var (
	ErrDataUnavailable     = errors.New("data unavailable")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientSize    = errors.New("insufficient size")
	ErrExecutionFailure    = errors.New("execution failure")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrConfig              = errors.New("invalid configuration")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrExchangeUnavailable, "ExchangeUnavailable"},
	{ErrDataUnavailable, "DataUnavailable"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrInsufficientSize, "InsufficientSize"},
	{ErrExecutionFailure, "ExecutionFailure"},
	{ErrConfig, "Config"},
}

// ErrorKind 返回错误所属分类名，用于日志字段
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}
