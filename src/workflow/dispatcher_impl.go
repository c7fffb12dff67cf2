package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

// Dispatcher 排空 outbox 并将通知投递给外部编排器。
// 至少投递一次；失败只累计重试，绝不回滚已提交的状态变更。
type Dispatcher struct {
	DataStore inter.DataStore

	client   *http.Client
	url      string // 编排器基础地址，空串表示未接入
	timeout  time.Duration
	interval time.Duration
	nudge    chan struct{}
}

func NewDispatcher(ds inter.DataStore, orchestratorURL string, timeout, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		DataStore: ds,
		client:    &http.Client{},
		url:       orchestratorURL,
		timeout:   timeout,
		interval:  interval,
		nudge:     make(chan struct{}, 1),
	}
}

// Nudge 提示有新通知入库，非阻塞
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run 排空循环：定时兜底 + Nudge 即时唤醒，直到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.nudge:
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		events, err := d.DataStore.NextWorkflowEvents(ctx, 16)
		if err != nil {
			log.Printf("Workflow: 读取 outbox 失败: %v", err)
			return
		}
		if len(events) == 0 {
			return
		}

		progressed := false
		for _, e := range events {
			if err := d.deliver(ctx, e); err != nil {
				log.Printf("Workflow: 投递失败，保留重试 (Kind: %s, Device: %s, Attempts: %d): %v",
					e.Kind, e.DeviceID, e.Attempts+1, err)
				if err := d.DataStore.MarkWorkflowFailed(ctx, e.ID); err != nil {
					log.Printf("Workflow: 标记失败状态出错: %v", err)
				}
				continue
			}
			progressed = true
			if err := d.DataStore.MarkWorkflowDone(ctx, e.ID); err != nil {
				// 标记失败会导致重复投递，下游按至少一次语义处理
				log.Printf("Workflow: 标记完成状态出错: %v", err)
			}
		}
		// 整批都失败时退出本轮，等下一次唤醒，避免空转
		if !progressed {
			return
		}
	}
}

// deliver 调用编排器，限定超时，任何 2xx 视为接收成功
func (d *Dispatcher) deliver(ctx context.Context, e inter.WorkflowEvent) error {
	if d.url == "" {
		// 未接入编排器时直接视为完成
		return nil
	}

	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		d.url+"/api/v1/workflow/"+e.Kind, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MEN-RequestID", e.RequestID)

	rsp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		return fmt.Errorf("编排器返回 %d", rsp.StatusCode)
	}
	return nil
}
