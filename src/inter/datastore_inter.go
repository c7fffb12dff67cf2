package inter

import "context"

// DataStore 定义底层数据持久化的标准接口，管理设备、认证集、
// 租户配额与工作流 outbox。所有读写均以租户为边界，
// 跨租户不可见。该接口兼容多种存储后端（SQLite, PostgreSQL）。
type DataStore interface {
	// [设备与认证集]

	// FindOrCreateAuthSet 按 (设备, 公钥) 查找认证集，不存在则以 pending
	// 状态创建（设备不存在时一并创建）。幂等：并发重复提交依赖
	// 唯一约束兜底，冲突时降级为查询重试，绝不产生重复记录。
	// 返回认证集与是否为本次新建。
	FindOrCreateAuthSet(ctx context.Context, tenant, deviceID, idData, pubKey string) (AuthSet, bool, error)

	// GetAuthSetByKey 按 (设备, 公钥) 精确查找认证集，不存在返回 ErrNotFound。
	GetAuthSetByKey(ctx context.Context, tenant, deviceID, pubKey string) (AuthSet, error)

	// GetDevice 读取单个设备（含全部认证集与派生状态），不存在返回 ErrNotFound。
	GetDevice(ctx context.Context, tenant, deviceID string) (Device, error)

	// GetDeviceByIdentity 按规范化身份查找设备，不存在返回 ErrNotFound。
	GetDeviceByIdentity(ctx context.Context, tenant, idData string) (Device, error)

	// ListDevices 按创建时间稳定排序分页列出设备。
	// status 为空时不过滤，否则按派生状态过滤。page 从 1 开始。
	ListDevices(ctx context.Context, tenant, status string, page, perPage int) ([]Device, error)

	// CountDevices 统计派生状态匹配的设备数，status 为空时返回总数。
	CountDevices(ctx context.Context, tenant, status string) (int, error)

	// SetAuthSetStatus 在单个事务内完成状态变更：
	// 目标为 accepted 时先在事务内做配额检查（上限非零且当前
	// 接受设备数已满则返回 ErrQuotaExceeded，已接受设备不重复占坑），
	// 随后更新状态，event 非 nil 时在同一事务内追加 outbox 记录。
	// 设备或认证集不存在返回 ErrNotFound。
	SetAuthSetStatus(ctx context.Context, tenant, deviceID, authSetID, status string, event *WorkflowEvent) error

	// DeleteAuthSet 删除一个认证集；若它是设备的最后一个认证集，
	// 则连同设备一起删除，并且仅在级联删除设备时写入 event。
	// 返回设备是否已被删除。
	DeleteAuthSet(ctx context.Context, tenant, deviceID, authSetID string, event *WorkflowEvent) (bool, error)

	// MarkDeviceDecommissioning 在拆除设备数据之前置位退役标记；
	// 标记提交后设备的新认证提交会被拒绝。不存在返回 ErrNotFound。
	MarkDeviceDecommissioning(ctx context.Context, tenant, deviceID string) error

	// DeleteDevice 删除设备及其全部认证集，并在同一事务内写入退役通知。
	DeleteDevice(ctx context.Context, tenant, deviceID string, event *WorkflowEvent) error

	// PreauthorizeDevice 原子地创建设备与单个 preauthorized 认证集。
	// 认证集 ID、设备身份或 (设备, 公钥) 已存在时返回 ErrConflict。
	PreauthorizeDevice(ctx context.Context, tenant, authSetID, deviceID, idData, pubKey string) error

	// [租户配额]

	GetLimit(ctx context.Context, tenant string) (uint64, error)
	PutLimit(ctx context.Context, tenant string, limit uint64) error

	// [工作流 outbox]

	// NextWorkflowEvents 取出至多 max 条未投递的通知（按入队顺序）。
	NextWorkflowEvents(ctx context.Context, max int) ([]WorkflowEvent, error)
	// MarkWorkflowDone 标记投递成功。
	MarkWorkflowDone(ctx context.Context, id int64) error
	// MarkWorkflowFailed 投递失败，累计尝试次数，保留待重试。
	MarkWorkflowFailed(ctx context.Context, id int64) error

	Close() error
}
