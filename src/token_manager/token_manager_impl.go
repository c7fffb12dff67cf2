package token_manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

const issuer = "goster-devauth"

// TokenManager 基于 HS256 JWT 的令牌签发与租户凭证解析
type TokenManager struct {
	secret []byte
}

func NewTokenManager(secret string) inter.TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// Issue 为已接受的 (设备, 认证集) 签发访问令牌。
// jti 唯一，便于下游的吊销系统引用。
func (t *TokenManager) Issue(tenant, deviceID, authSetID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            issuer,
		"sub":            deviceID,
		"jti":            uuid.NewString(),
		"iat":            now.Unix(),
		"goster.tenant":  tenant,
		"goster.authset": authSetID,
		"goster.device":  true,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// IssueTenantToken 签发管理面使用的租户凭证
func (t *TokenManager) IssueTenantToken(tenant string) (string, error) {
	claims := jwt.MapClaims{
		"iss":           issuer,
		"sub":           tenant,
		"iat":           time.Now().Unix(),
		"goster.tenant": tenant,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// TenantFromToken 从 Bearer 凭证解析租户。
// 空凭证归入默认租户；非法凭证返回 ErrUnauthorized。
func (t *TokenManager) TenantFromToken(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer"))
	if token == "" {
		return inter.DefaultTenant, nil
	}

	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: 租户凭证无效", inter.ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: 租户凭证无效", inter.ErrUnauthorized)
	}
	tenant, _ := claims["goster.tenant"].(string)
	if tenant == "" {
		return "", fmt.Errorf("%w: 凭证缺少租户信息", inter.ErrUnauthorized)
	}
	return tenant, nil
}
