package inter

import "errors"

// 定义业务错误分类，HTTP 层据此映射稳定的响应码
var (
	// ErrNotFound 设备或认证集不存在
	ErrNotFound = errors.New("devauth: 设备或认证集不存在")

	// ErrConflict 预授权时 ID 或身份/公钥已被占用
	ErrConflict = errors.New("devauth: 设备或认证集已存在")

	// ErrQuotaExceeded 接受操作会超出租户的设备数上限
	ErrQuotaExceeded = errors.New("devauth: 已达到租户的最大接受设备数")

	// ErrUnauthorized 认证请求未通过，或管理凭证无效
	ErrUnauthorized = errors.New("devauth: 未授权")

	// ErrValidation 请求负载不合法（身份/公钥/状态值等）
	ErrValidation = errors.New("devauth: 请求参数不合法")
)
