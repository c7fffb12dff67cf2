package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

// DeviceAPI 设备侧入口：设备提交身份与公钥换取访问令牌
type DeviceAPI struct {
	DeviceManager inter.DeviceManager
	Tokens        inter.TokenManager
}

func NewDeviceAPI(dm inter.DeviceManager, tm inter.TokenManager) *DeviceAPI {
	return &DeviceAPI{DeviceManager: dm, Tokens: tm}
}

func (a *DeviceAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/devices/v1/authentication/auth_requests", a.authRequestHandler)
	return mux
}

// AuthRequest 设备认证请求负载
type AuthRequest struct {
	IdentityData string `json:"id_data"`
	PubKey       string `json:"pubkey"`
	TenantToken  string `json:"tenant_token"`
}

// authRequestHandler 处理一次设备认证：
// 身份匹配 -> 查找/创建认证集 -> 仅对 accepted 认证集签发令牌，
// 其余状态一律 401。
func (a *DeviceAPI) authRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体不是合法的 JSON")
		return
	}

	tenant, err := a.Tokens.TenantFromToken(req.TenantToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "租户凭证无效")
		return
	}

	authSet, err := a.DeviceManager.Submit(r.Context(), tenant, req.IdentityData, req.PubKey)
	switch {
	case err == nil:
	case errors.Is(err, inter.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, inter.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "认证被拒绝")
		return
	default:
		log.Printf("API: 认证提交处理失败: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if authSet.Status != inter.StatusAccepted {
		writeError(w, http.StatusUnauthorized, "认证集尚未被接受")
		return
	}

	token, err := a.Tokens.Issue(tenant, authSet.DeviceID, authSet.ID)
	if err != nil {
		log.Printf("API: 令牌签发失败 (Device: %s): %v", authSet.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/jwt")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(token))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
