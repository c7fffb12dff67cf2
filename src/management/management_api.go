package management

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

// ManagementAPI 管理面 REST 接口：设备列表/计数/查询、认证集
// 状态变更与删除、预授权、退役、租户配额。
// 所有管理路由均经过租户中间件，内部路由从路径取租户。
type ManagementAPI struct {
	DeviceManager inter.DeviceManager
	Tokens        inter.TokenManager

	DefaultPerPage int
	MaxPerPage     int
}

func NewManagementAPI(dm inter.DeviceManager, tm inter.TokenManager, defaultPerPage, maxPerPage int) *ManagementAPI {
	return &ManagementAPI{
		DeviceManager:  dm,
		Tokens:         tm,
		DefaultPerPage: defaultPerPage,
		MaxPerPage:     maxPerPage,
	}
}

func (m *ManagementAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	// 管理面（租户凭证作用域）
	mux.Handle("GET /api/management/v1/devauth/devices", m.withTenant(m.listDevicesHandler))
	mux.Handle("POST /api/management/v1/devauth/devices", m.withTenant(m.preauthorizeHandler))
	mux.Handle("GET /api/management/v1/devauth/devices/count", m.withTenant(m.countDevicesHandler))
	mux.Handle("GET /api/management/v1/devauth/devices/{id}", m.withTenant(m.getDeviceHandler))
	mux.Handle("DELETE /api/management/v1/devauth/devices/{id}", m.withTenant(m.decommissionHandler))
	mux.Handle("PUT /api/management/v1/devauth/devices/{id}/auth/{aid}/status", m.withTenant(m.setStatusHandler))
	mux.Handle("DELETE /api/management/v1/devauth/devices/{id}/auth/{aid}", m.withTenant(m.deleteAuthSetHandler))
	mux.Handle("GET /api/management/v1/devauth/limits/max_devices", m.withTenant(m.getLimitHandler))

	// 内部接口（租户来自路径，不经过凭证解析）
	mux.HandleFunc("PUT /api/internal/v1/devauth/tenants/{tid}/limits/max_devices", m.putLimitHandler)

	return mux
}

// --- 设备注册表 ---

func (m *ManagementAPI) listDevicesHandler(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r)
	q := r.URL.Query()

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			renderError(w, inter.ErrValidation)
			return
		}
		page = n
	}
	perPage := m.DefaultPerPage
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			renderError(w, inter.ErrValidation)
			return
		}
		perPage = n
	}
	// 页大小受配置上限约束
	if perPage > m.MaxPerPage {
		perPage = m.MaxPerPage
	}

	devices, err := m.DeviceManager.ListDevices(r.Context(), tenant, q.Get("status"), page, perPage)
	if err != nil {
		renderError(w, err)
		return
	}
	if devices == nil {
		devices = []inter.Device{}
	}
	renderJSON(w, http.StatusOK, devices)
}

func (m *ManagementAPI) countDevicesHandler(w http.ResponseWriter, r *http.Request) {
	count, err := m.DeviceManager.CountDevices(r.Context(), tenantFromContext(r), r.URL.Query().Get("status"))
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (m *ManagementAPI) getDeviceHandler(w http.ResponseWriter, r *http.Request) {
	device, err := m.DeviceManager.GetDevice(r.Context(), tenantFromContext(r), r.PathValue("id"))
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, device)
}

func (m *ManagementAPI) decommissionHandler(w http.ResponseWriter, r *http.Request) {
	err := m.DeviceManager.DecommissionDevice(r.Context(), tenantFromContext(r),
		r.PathValue("id"), r.Header.Get("X-MEN-RequestID"))
	if err != nil {
		renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- 认证集生命周期 ---

// StatusRequest 状态变更请求负载
type StatusRequest struct {
	Status string `json:"status"`
}

func (m *ManagementAPI) setStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, inter.ErrValidation)
		return
	}

	err := m.DeviceManager.SetAuthSetStatus(r.Context(), tenantFromContext(r),
		r.PathValue("id"), r.PathValue("aid"), req.Status)
	if err != nil {
		renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *ManagementAPI) deleteAuthSetHandler(w http.ResponseWriter, r *http.Request) {
	err := m.DeviceManager.DeleteAuthSet(r.Context(), tenantFromContext(r),
		r.PathValue("id"), r.PathValue("aid"))
	if err != nil {
		renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreauthRequest 预授权请求：操作员指定全部标识
type PreauthRequest struct {
	AuthSetID    string `json:"auth_set_id"`
	DeviceID     string `json:"device_id"`
	IdentityData string `json:"id_data"`
	PubKey       string `json:"pubkey"`
}

func (m *ManagementAPI) preauthorizeHandler(w http.ResponseWriter, r *http.Request) {
	var req PreauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, inter.ErrValidation)
		return
	}

	err := m.DeviceManager.Preauthorize(r.Context(), tenantFromContext(r),
		req.AuthSetID, req.DeviceID, req.IdentityData, req.PubKey)
	if err != nil {
		renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// --- 租户配额 ---

func (m *ManagementAPI) getLimitHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := m.DeviceManager.GetLimit(r.Context(), tenantFromContext(r))
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, limit)
}

// LimitRequest 配额设置请求负载
type LimitRequest struct {
	Limit uint64 `json:"limit"`
}

func (m *ManagementAPI) putLimitHandler(w http.ResponseWriter, r *http.Request) {
	var req LimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, inter.ErrValidation)
		return
	}
	if err := m.DeviceManager.SetLimit(r.Context(), r.PathValue("tid"), req.Limit); err != nil {
		renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- 渲染辅助 ---

func renderJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// renderError 将业务错误映射为稳定的响应码
func renderError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, inter.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, inter.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, inter.ErrQuotaExceeded):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, inter.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, inter.ErrValidation):
		code = http.StatusBadRequest
	default:
		log.Printf("Management: 内部错误: %v", err)
		renderJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	renderJSON(w, code, map[string]string{"error": err.Error()})
}
