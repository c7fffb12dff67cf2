package device_manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

// DeviceManager 认证集生命周期引擎 + 设备注册表 + 配额门禁。
// 状态变更提交后通过 Dispatcher 异步通知编排器。
type DeviceManager struct {
	DataStore       inter.DataStore
	IdentityManager inter.IdentityManager
	Admission       inter.AdmissionChecker
	Dispatcher      inter.WorkflowDispatcher

	// 租户级互斥：接受路径的检查与提交对同租户串行，
	// 两个并发接受绝不会同时挤进最后一个名额
	tenantLocks sync.Map // map[string]*sync.Mutex
}

func NewDeviceManager(ds inter.DataStore, im inter.IdentityManager, ac inter.AdmissionChecker, wd inter.WorkflowDispatcher) inter.DeviceManager {
	return &DeviceManager{
		DataStore:       ds,
		IdentityManager: im,
		Admission:       ac,
		Dispatcher:      wd,
	}
}

func (d *DeviceManager) lockTenant(tenant string) *sync.Mutex {
	actual, _ := d.tenantLocks.LoadOrStore(tenant, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// --- 认证集生命周期 ---

// Submit 设备认证提交：规范化身份 -> 查找或创建设备与认证集。
// 重复的相同提交幂等返回既有认证集。
func (d *DeviceManager) Submit(ctx context.Context, tenant, rawIdentity, pubKey string) (inter.AuthSet, error) {
	var out inter.AuthSet
	if pubKey == "" {
		return out, fmt.Errorf("%w: 缺少公钥", inter.ErrValidation)
	}

	idData, err := d.IdentityManager.CanonicalizeIdentity(rawIdentity)
	if err != nil {
		return out, err
	}

	// 设备 ID 默认由身份推导；预授权设备的 ID 由操作员指定，
	// 因此先按身份解析既有设备
	deviceID := d.IdentityManager.DeviceID(tenant, idData)
	dev, err := d.DataStore.GetDeviceByIdentity(ctx, tenant, idData)
	switch {
	case err == nil:
		if dev.Decommissioning {
			return out, fmt.Errorf("%w: 设备正在退役", inter.ErrUnauthorized)
		}
		deviceID = dev.ID
	case !errors.Is(err, inter.ErrNotFound):
		return out, err
	}

	// 已有认证集直接复用，不再打扰准入检查器
	existing, err := d.DataStore.GetAuthSetByKey(ctx, tenant, deviceID, pubKey)
	if err == nil {
		return existing, nil
	}

	// 全新认证集先过外部准入门禁。
	// 明确拒绝：不落库；调用失败：按保守处理照常进入 pending
	allowed, err := d.Admission.Admit(ctx, tenant, idData, pubKey)
	if err != nil {
		log.Printf("DevAuth: 准入检查暂不可用，按 pending 放行 (Device: %s): %v", deviceID, err)
	} else if !allowed {
		return out, fmt.Errorf("%w: 准入策略拒绝", inter.ErrUnauthorized)
	}

	out, created, err := d.DataStore.FindOrCreateAuthSet(ctx, tenant, deviceID, idData, pubKey)
	if err != nil {
		return out, err
	}
	if created {
		log.Printf("DevAuth: 新认证集等待审批 (Tenant: %s, Device: %s, AuthSet: %s)", tenant, deviceID, out.ID)
	}
	return out, nil
}

// SetAuthSetStatus 操作员驱动的状态变更。
// 接受路径为原子的检查并提交，配额满时返回 ErrQuotaExceeded。
func (d *DeviceManager) SetAuthSetStatus(ctx context.Context, tenant, deviceID, authSetID, status string) error {
	switch status {
	case inter.StatusAccepted, inter.StatusRejected, inter.StatusPending:
	default:
		// preauthorized 只是入口状态，不接受显式设置
		return fmt.Errorf("%w: 非法的目标状态 %q", inter.ErrValidation, status)
	}

	var event *inter.WorkflowEvent
	switch status {
	case inter.StatusAccepted:
		event = &inter.WorkflowEvent{
			Tenant:    tenant,
			DeviceID:  deviceID,
			RequestID: uuid.NewString(),
			Kind:      inter.WorkflowProvision,
		}
	case inter.StatusRejected:
		event = &inter.WorkflowEvent{
			Tenant:    tenant,
			DeviceID:  deviceID,
			RequestID: uuid.NewString(),
			Kind:      inter.WorkflowStatusUpdate,
		}
	}

	if status == inter.StatusAccepted {
		mu := d.lockTenant(tenant)
		mu.Lock()
		defer mu.Unlock()
	}

	if err := d.DataStore.SetAuthSetStatus(ctx, tenant, deviceID, authSetID, status, event); err != nil {
		return err
	}

	log.Printf("DevAuth: 认证集状态已更新 (Tenant: %s, Device: %s, AuthSet: %s -> %s)", tenant, deviceID, authSetID, status)
	if event != nil {
		// 先提交后投递：通知随事务落库，这里只是唤醒排空协程
		d.Dispatcher.Nudge()
	}
	return nil
}

// DeleteAuthSet 删除认证集；删除最后一个认证集时级联删除设备并触发退役
func (d *DeviceManager) DeleteAuthSet(ctx context.Context, tenant, deviceID, authSetID string) error {
	event := &inter.WorkflowEvent{
		Tenant:    tenant,
		DeviceID:  deviceID,
		RequestID: uuid.NewString(),
		Kind:      inter.WorkflowDecommission,
	}
	deviceGone, err := d.DataStore.DeleteAuthSet(ctx, tenant, deviceID, authSetID, event)
	if err != nil {
		return err
	}
	if deviceGone {
		log.Printf("DevAuth: 设备随最后一个认证集一并删除 (Tenant: %s, Device: %s)", tenant, deviceID)
		d.Dispatcher.Nudge()
	}
	return nil
}

// DecommissionDevice 删除整个设备并触发退役工作流。
// 先置退役标记再拆除数据：标记提交后设备即拒绝新的认证提交，
// 即便随后的删除失败，设备也不会回到可认证状态。
func (d *DeviceManager) DecommissionDevice(ctx context.Context, tenant, deviceID, requestID string) error {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if err := d.DataStore.MarkDeviceDecommissioning(ctx, tenant, deviceID); err != nil {
		return err
	}
	event := &inter.WorkflowEvent{
		Tenant:    tenant,
		DeviceID:  deviceID,
		RequestID: requestID,
		Kind:      inter.WorkflowDecommission,
	}
	if err := d.DataStore.DeleteDevice(ctx, tenant, deviceID, event); err != nil {
		return err
	}
	log.Printf("DevAuth: 设备已退役 (Tenant: %s, Device: %s, RequestID: %s)", tenant, deviceID, requestID)
	d.Dispatcher.Nudge()
	return nil
}

// Preauthorize 操作员预授权：设备发起任何请求之前创建设备与
// 单个 preauthorized 认证集，ID/身份冲突返回 ErrConflict
func (d *DeviceManager) Preauthorize(ctx context.Context, tenant, authSetID, deviceID, rawIdentity, pubKey string) error {
	if authSetID == "" || deviceID == "" || pubKey == "" {
		return fmt.Errorf("%w: 预授权缺少必填字段", inter.ErrValidation)
	}
	idData, err := d.IdentityManager.CanonicalizeIdentity(rawIdentity)
	if err != nil {
		return err
	}
	if err := d.DataStore.PreauthorizeDevice(ctx, tenant, authSetID, deviceID, idData, pubKey); err != nil {
		return err
	}
	log.Printf("DevAuth: 设备已预授权 (Tenant: %s, Device: %s, AuthSet: %s)", tenant, deviceID, authSetID)
	return nil
}

// --- 设备注册表 ---

func (d *DeviceManager) GetDevice(ctx context.Context, tenant, deviceID string) (inter.Device, error) {
	return d.DataStore.GetDevice(ctx, tenant, deviceID)
}

func (d *DeviceManager) FindDeviceByIdentity(ctx context.Context, tenant, rawIdentity string) (inter.Device, error) {
	idData, err := d.IdentityManager.CanonicalizeIdentity(rawIdentity)
	if err != nil {
		return inter.Device{}, err
	}
	return d.DataStore.GetDeviceByIdentity(ctx, tenant, idData)
}

func (d *DeviceManager) ListDevices(ctx context.Context, tenant, status string, page, perPage int) ([]inter.Device, error) {
	if status != "" && !inter.ValidStatus(status) {
		return nil, fmt.Errorf("%w: 非法的状态过滤 %q", inter.ErrValidation, status)
	}
	return d.DataStore.ListDevices(ctx, tenant, status, page, perPage)
}

func (d *DeviceManager) CountDevices(ctx context.Context, tenant, status string) (int, error) {
	if status != "" && !inter.ValidStatus(status) {
		return 0, fmt.Errorf("%w: 非法的状态过滤 %q", inter.ErrValidation, status)
	}
	return d.DataStore.CountDevices(ctx, tenant, status)
}

// --- 租户配额 ---

func (d *DeviceManager) GetLimit(ctx context.Context, tenant string) (inter.Limit, error) {
	n, err := d.DataStore.GetLimit(ctx, tenant)
	if err != nil {
		return inter.Limit{}, err
	}
	return inter.Limit{Tenant: tenant, Limit: n}, nil
}

func (d *DeviceManager) SetLimit(ctx context.Context, tenant string, limit uint64) error {
	return d.DataStore.PutLimit(ctx, tenant, limit)
}
