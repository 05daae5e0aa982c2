package venue

// 目标交易所的错误文本在客户端边界处映射为错误种类枚举，
// 引擎核心只按种类分流，不做字符串匹配。

// ErrorKind 交易所错误种类
type ErrorKind int

const (
	// ErrKindUnknown 未识别的错误
	ErrKindUnknown ErrorKind = iota
	// ErrKindCancelFilled 取消已成交订单（预期竞态，忽略）
	ErrKindCancelFilled
	// ErrKindCancelCancelled 取消已取消订单（预期竞态，忽略）
	ErrKindCancelCancelled
	// ErrKindCancelNotFound 取消不存在的订单（预期竞态，忽略）
	ErrKindCancelNotFound
	// ErrKindInsufficientBalance 余额不足（本地与远端状态失配，需要终止进程）
	ErrKindInsufficientBalance
	// ErrKindUnknownOrder 交易所报告未知订单（本地与远端状态失配，需要终止进程）
	ErrKindUnknownOrder
	// ErrKindTransient 瞬时 I/O 失败（本地恢复，保留上次缓存值）
	ErrKindTransient
)

// String 获取错误种类的可读名称
func (k ErrorKind) String() string {
	switch k {
	case ErrKindCancelFilled:
		return "cancel_filled"
	case ErrKindCancelCancelled:
		return "cancel_cancelled"
	case ErrKindCancelNotFound:
		return "cancel_not_found"
	case ErrKindInsufficientBalance:
		return "insufficient_balance"
	case ErrKindUnknownOrder:
		return "unknown_order"
	case ErrKindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error 带种类的交易所错误
type Error struct {
	// Kind 错误种类
	Kind ErrorKind
	// Msg 原始错误文本
	Msg string
	// OrderHashes 错误中涉及的订单哈希（余额不足错误会附带挂单列表）
	OrderHashes []string
}

// Error 实现 error 接口
func (e *Error) Error() string {
	return e.Msg
}

// Benign 判断错误是否为可忽略的预期竞态
// 取消已成交/已取消/不存在的订单都是幂等结果，记录日志后吞掉即可
func (e *Error) Benign() bool {
	switch e.Kind {
	case ErrKindCancelFilled, ErrKindCancelCancelled, ErrKindCancelNotFound:
		return true
	default:
		return false
	}
}

// Fatal 判断错误是否为本进程不可恢复
// 余额不足和未知订单意味着本地与远端状态已偏离到无法安全自动修复
func (e *Error) Fatal() bool {
	switch e.Kind {
	case ErrKindInsufficientBalance, ErrKindUnknownOrder:
		return true
	default:
		return false
	}
}
