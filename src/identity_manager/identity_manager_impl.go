package identity_manager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

type IdentityManager struct{}

func NewIdentityManager() inter.IdentityManager {
	return &IdentityManager{}
}

// CanonicalizeIdentity 将身份 JSON 规范化为键有序的紧凑形式。
// 设备端上报的字段顺序、空白差异不影响身份判定。
func (i *IdentityManager) CanonicalizeIdentity(raw string) (string, error) {
	var attrs map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return "", fmt.Errorf("%w: 身份数据不是合法的 JSON 对象: %v", inter.ErrValidation, err)
	}
	if len(attrs) == 0 {
		return "", fmt.Errorf("%w: 身份数据为空", inter.ErrValidation)
	}

	// 手工按键排序拼装，避免依赖 map 编码顺序的实现细节
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for n, k := range keys {
		if n > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(attrs[k])
		if err != nil {
			return "", fmt.Errorf("%w: 身份字段 %q 无法编码", inter.ErrValidation, k)
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return string(buf), nil
}

// DeviceID 对 (租户, 规范化身份) 做哈希得到稳定的设备 ID。
// 同一设备重复提交、轮换密钥得到的 ID 固定；不同身份不会碰撞。
func (i *IdentityManager) DeviceID(tenant, canonicalIdentity string) string {
	sumTenant := sha256.Sum256([]byte(tenant))
	sumIdentity := sha256.Sum256([]byte(canonicalIdentity))

	combined := make([]byte, 64)
	copy(combined[:32], sumTenant[:])
	copy(combined[32:], sumIdentity[:])

	finalHash := sha256.Sum256(combined)
	return hex.EncodeToString(finalHash[:])
}
