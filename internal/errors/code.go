package errors

import (
	pkgErrors "github.com/gaoyong06/go-pkg/errors"
	i18nPkg "github.com/gaoyong06/go-pkg/middleware/i18n"
)

func init() {
	// 初始化全局错误管理器（使用项目特定的配置）
	pkgErrors.InitGlobalErrorManager("i18n", i18nPkg.Language)
}

// 对账服务错误码定义
// 错误码格式：SSMMEE (6位数字)，其中 SS=14 表示 iap-reconcile-service
// 模块划分：
//   01: 通知解码模块
//   02: 对账模块
//   03: 巡检模块
//   04: 账单查询模块

// 通知解码模块 (140100-140199)
const (
	// ErrCodeMalformedEnvelope 通知包体无法解析错误
	ErrCodeMalformedEnvelope = 140101
	// ErrCodeEnvelopeTooLarge 通知包体超过大小上限错误
	ErrCodeEnvelopeTooLarge = 140102
)

// 对账模块 (140200-140299)
const (
	// ErrCodeReconcileConflict 对账并发冲突错误(重试一次后仍失败)
	ErrCodeReconcileConflict = 140201
	// ErrCodeAnomalousTransition 对账状态迁移方向异常错误
	ErrCodeAnomalousTransition = 140202
)

// 巡检模块 (140300-140399)
const (
	// ErrCodeSweepQueryFailed 巡检枚举订阅失败错误
	ErrCodeSweepQueryFailed = 140301
)

// 账单查询模块 (140400-140499)
const (
	// ErrCodeBillingQueryFailed 账单后台查询失败错误
	ErrCodeBillingQueryFailed = 140401
)
