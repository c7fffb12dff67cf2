package inter

import "context"

// IdentityManager 定义设备身份的规范化与 ID 推导。
// 无状态、无副作用：相同属性集必然得到相同的设备 ID。
type IdentityManager interface {
	// CanonicalizeIdentity 将设备上报的身份 JSON 规范化
	// （键排序、去空白），保证内容等价的身份串只有一种表示。
	// 非 JSON 对象返回 ErrValidation。
	CanonicalizeIdentity(raw string) (string, error)

	// DeviceID 由租户与规范化身份推导稳定的设备 ID，
	// 密钥轮换不改变设备 ID。
	DeviceID(tenant, canonicalIdentity string) string
}

// DeviceManager 定义设备认证的核心业务逻辑接口：
// 认证集生命周期、设备注册表、配额门禁与工作流触发。
type DeviceManager interface {

	// --- 认证集生命周期 (AuthSet Lifecycle) ---

	// Submit 处理设备的一次认证提交：按身份查找或创建设备，
	// 按 (设备, 公钥) 查找或创建 pending 认证集。
	// 全新认证集在落库前咨询外部准入检查器：明确拒绝则不创建
	// 并返回 ErrUnauthorized；调用失败按保守处理，照常以
	// pending 创建。重复的相同提交幂等。
	// 退役进行中的设备拒绝任何提交，返回 ErrUnauthorized。
	Submit(ctx context.Context, tenant, rawIdentity, pubKey string) (AuthSet, error)

	// SetAuthSetStatus 操作员驱动的状态变更。
	// 目标状态仅允许 pending/accepted/rejected（preauthorized 只是
	// 入口状态，显式设置返回 ErrValidation）。
	// 进入 accepted 前执行配额检查，超限返回 ErrQuotaExceeded；
	// 进入 accepted/rejected 会在提交后触发工作流投递。
	SetAuthSetStatus(ctx context.Context, tenant, deviceID, authSetID, status string) error

	// DeleteAuthSet 删除认证集；删除设备最后一个认证集时
	// 连同设备删除并触发退役工作流。
	DeleteAuthSet(ctx context.Context, tenant, deviceID, authSetID string) error

	// DecommissionDevice 先置退役标记再删除设备并触发退役工作流，
	// requestID 为调用方传入的关联 ID。
	DecommissionDevice(ctx context.Context, tenant, deviceID, requestID string) error

	// Preauthorize 在设备发起任何请求之前，由操作员指定
	// 认证集 ID / 设备 ID / 身份 / 公钥创建预授权记录。
	// ID 或身份冲突返回 ErrConflict。
	Preauthorize(ctx context.Context, tenant, authSetID, deviceID, rawIdentity, pubKey string) error

	// --- 设备注册表 (Registry) ---

	GetDevice(ctx context.Context, tenant, deviceID string) (Device, error)
	FindDeviceByIdentity(ctx context.Context, tenant, rawIdentity string) (Device, error)
	ListDevices(ctx context.Context, tenant, status string, page, perPage int) ([]Device, error)
	CountDevices(ctx context.Context, tenant, status string) (int, error)

	// --- 租户配额 (Limits) ---

	GetLimit(ctx context.Context, tenant string) (Limit, error)
	SetLimit(ctx context.Context, tenant string, limit uint64) error
}

// AdmissionChecker 外部准入策略门禁。
// 返回 (是否放行, 错误)；未配置时的实现应当默认放行。
type AdmissionChecker interface {
	Admit(ctx context.Context, tenant, idData, pubKey string) (bool, error)
}

// WorkflowDispatcher 将已提交的状态变更异步通知外部编排器。
// 投递至少尝试一次；失败只记录重试，绝不回滚已提交的变更。
type WorkflowDispatcher interface {
	// Run 启动 outbox 排空循环，直到 ctx 取消。
	Run(ctx context.Context)
	// Nudge 提示有新通知入库，非阻塞。
	Nudge()
}

// TokenManager 负责访问令牌的签发与租户凭证解析。
type TokenManager interface {
	// Issue 为已接受的 (设备, 认证集) 签发访问令牌。
	Issue(tenant, deviceID, authSetID string) (string, error)
	// IssueTenantToken 签发租户管理凭证。
	IssueTenantToken(tenant string) (string, error)
	// TenantFromToken 从 Bearer 凭证解析租户；空凭证归入默认租户，
	// 非法凭证返回 ErrUnauthorized。
	TenantFromToken(token string) (string, error)
}
