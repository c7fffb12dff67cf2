package inter

import "time"

// 认证集状态（字符串常量，直接对外序列化）
const (
	StatusPending       = "pending"       // 等待审批
	StatusAccepted      = "accepted"      // 已通过
	StatusRejected      = "rejected"      // 已拒绝
	StatusPreauthorized = "preauthorized" // 预授权（仅能通过预授权接口进入）
)

// ValidStatus 判断是否为已知状态值
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusPreauthorized:
		return true
	}
	return false
}

// AuthSet 认证集：一个身份与一把公钥的配对，持有独立的生命周期状态。
// 设备轮换密钥时会在同一设备下产生新的认证集。
type AuthSet struct {
	ID           string    `json:"id"`         // 认证集 ID
	DeviceID     string    `json:"device_id"`  // 所属设备 ID
	IdentityData string    `json:"id_data"`    // 规范化后的身份 JSON
	PubKey       string    `json:"pubkey"`     // 设备上报的公钥
	Status       string    `json:"status"`     // pending/accepted/rejected/preauthorized
	CreatedAt    time.Time `json:"created_at"` // 首次提交时间
}

// Device 设备聚合：同一身份下的全部认证集。
// Status 为派生状态，只在读取时由子认证集计算，不单独落库。
// 优先级: accepted > rejected > pending。
type Device struct {
	ID              string    `json:"id"`
	IdentityData    string    `json:"id_data"`
	Status          string    `json:"status"`
	Decommissioning bool      `json:"decommissioning"` // 退役进行中，拒绝新的认证提交
	CreatedAt       time.Time `json:"created_at"`
	AuthSets        []AuthSet `json:"auth_sets"`
}

// DeriveStatus 由子认证集计算设备的派生状态。
// 规则：任一 accepted 即 accepted；否则任一 rejected 即 rejected；
// 否则 pending（仅含 preauthorized 认证集的设备也归入 pending）。
func DeriveStatus(sets []AuthSet) string {
	rejected := false
	for _, a := range sets {
		switch a.Status {
		case StatusAccepted:
			return StatusAccepted
		case StatusRejected:
			rejected = true
		}
	}
	if rejected {
		return StatusRejected
	}
	return StatusPending
}

// Limit 租户的已接受设备数上限，0 表示不限制
type Limit struct {
	Tenant string `json:"-"`
	Limit  uint64 `json:"limit"`
}

// 工作流类型：状态变更提交后由 Dispatcher 异步投递给编排器
const (
	WorkflowProvision    = "provision_device"     // 认证集被接受
	WorkflowStatusUpdate = "update_device_status" // 认证集被拒绝
	WorkflowDecommission = "decommission_device"  // 设备删除（退役）
)

// WorkflowEvent outbox 中的一条待投递通知。
// 与触发它的状态变更在同一事务内落库，保证先提交后投递。
type WorkflowEvent struct {
	ID        int64     `json:"-"`
	Tenant    string    `json:"tenant"`
	DeviceID  string    `json:"device_id"`
	RequestID string    `json:"request_id"` // 关联 ID，退役流程由调用方传入
	Kind      string    `json:"-"`
	Attempts  int       `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// DefaultTenant 未携带租户凭证时使用的租户标识
const DefaultTenant = "default"
