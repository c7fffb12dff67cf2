package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

// Checker 外部准入策略门禁的 HTTP 客户端。
// 未配置地址时默认放行；调用由上层限定为可超时的瞬态失败。
type Checker struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

func NewChecker(url string, timeout time.Duration) inter.AdmissionChecker {
	return &Checker{
		client:  &http.Client{},
		url:     url,
		timeout: timeout,
	}
}

// Admit 咨询准入检查器。
// 2xx 放行，401/403 拒绝，其余情况作为瞬态错误交由调用方保守处理。
func (c *Checker) Admit(ctx context.Context, tenant, idData, pubKey string) (bool, error) {
	if c.url == "" {
		return true, nil
	}

	body, err := json.Marshal(map[string]string{
		"tenant":  tenant,
		"id_data": idData,
		"pubkey":  pubKey,
	})
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		c.url+"/api/v1/admission", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer rsp.Body.Close()

	switch {
	case rsp.StatusCode >= 200 && rsp.StatusCode <= 299:
		return true, nil
	case rsp.StatusCode == http.StatusUnauthorized || rsp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, &UnexpectedStatusError{Code: rsp.StatusCode}
	}
}

// UnexpectedStatusError 准入检查器返回了既非放行也非拒绝的状态
type UnexpectedStatusError struct {
	Code int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("admission: 准入检查器返回非预期状态 %d", e.Code)
}
