package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/Goster-DevAuth/src/datastore"
	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

func setupOutbox(t *testing.T, kinds ...string) inter.DataStore {
	t.Helper()
	ds, err := datastore.NewDataStoreSql(filepath.Join(t.TempDir(), "test_devauth.db"))
	if err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	ctx := context.Background()
	for i, kind := range kinds {
		set, _, err := ds.FindOrCreateAuthSet(ctx, "default", "dev-wf", `{"sn":"wf"}`, string(rune('a'+i)))
		if err != nil {
			t.Fatalf("seed auth set: %v", err)
		}
		event := &inter.WorkflowEvent{
			Tenant:    "default",
			DeviceID:  "dev-wf",
			RequestID: "req-wf",
			Kind:      kind,
		}
		if err := ds.SetAuthSetStatus(ctx, "default", "dev-wf", set.ID, inter.StatusRejected, event); err != nil {
			t.Fatalf("seed outbox: %v", err)
		}
	}
	return ds
}

// orchestratorStub records deliveries and answers with a scripted status code.
type orchestratorStub struct {
	mu     sync.Mutex
	status int
	paths  []string
	reqIDs []string
}

func (o *orchestratorStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paths = append(o.paths, r.URL.Path)
	o.reqIDs = append(o.reqIDs, r.Header.Get("X-MEN-RequestID"))
	w.WriteHeader(o.status)
}

func (o *orchestratorStub) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.paths...)
}

func TestDispatcher_DrainDelivers(t *testing.T) {
	ds := setupOutbox(t, inter.WorkflowProvision, inter.WorkflowStatusUpdate)
	stub := &orchestratorStub{status: http.StatusCreated}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	d := NewDispatcher(ds, srv.URL, time.Second, time.Minute)
	d.drain(context.Background())

	paths := stub.seen()
	if len(paths) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(paths))
	}
	if paths[0] != "/api/v1/workflow/"+inter.WorkflowProvision {
		t.Errorf("unexpected first delivery path %s", paths[0])
	}
	if paths[1] != "/api/v1/workflow/"+inter.WorkflowStatusUpdate {
		t.Errorf("unexpected second delivery path %s", paths[1])
	}
	if stub.reqIDs[0] != "req-wf" {
		t.Errorf("request id header missing, got %q", stub.reqIDs[0])
	}

	// 投递成功后 outbox 清空
	left, err := ds.NextWorkflowEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("NextWorkflowEvents: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("outbox should be empty after drain, got %d", len(left))
	}
}

func TestDispatcher_FailedDeliveryKeptForRetry(t *testing.T) {
	ds := setupOutbox(t, inter.WorkflowProvision)
	stub := &orchestratorStub{status: http.StatusInternalServerError}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	d := NewDispatcher(ds, srv.URL, time.Second, time.Minute)
	d.drain(context.Background())

	// 整批失败：本轮退出但事件保留，尝试次数 +1
	left, err := ds.NextWorkflowEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("NextWorkflowEvents: %v", err)
	}
	if len(left) != 1 {
		t.Fatalf("failed event must stay queued, got %d", len(left))
	}
	if left[0].Attempts != 1 {
		t.Errorf("expected 1 recorded attempt, got %d", left[0].Attempts)
	}

	// 编排器恢复后重投成功
	stub.mu.Lock()
	stub.status = http.StatusOK
	stub.mu.Unlock()
	d.drain(context.Background())

	if left, _ := ds.NextWorkflowEvents(context.Background(), 10); len(left) != 0 {
		t.Errorf("recovered delivery should empty the outbox, got %d", len(left))
	}
}

func TestDispatcher_NoOrchestratorConfigured(t *testing.T) {
	// 未接入编排器：事件直接按完成处理，不产生网络调用
	ds := setupOutbox(t, inter.WorkflowProvision)

	d := NewDispatcher(ds, "", time.Second, time.Minute)
	d.drain(context.Background())

	if left, _ := ds.NextWorkflowEvents(context.Background(), 10); len(left) != 0 {
		t.Errorf("events should complete without an orchestrator, got %d", len(left))
	}
}

func TestDispatcher_RunWakesOnNudge(t *testing.T) {
	ds := setupOutbox(t)
	stub := &orchestratorStub{status: http.StatusOK}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	// 长兜底周期，只能靠 Nudge 唤醒
	d := NewDispatcher(ds, srv.URL, time.Second, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// 入库一条通知后唤醒
	set, _, err := ds.FindOrCreateAuthSet(ctx, "default", "dev-n", `{"sn":"n"}`, "key")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	event := &inter.WorkflowEvent{Tenant: "default", DeviceID: "dev-n", RequestID: "req-n", Kind: inter.WorkflowProvision}
	if err := ds.SetAuthSetStatus(ctx, "default", "dev-n", set.ID, inter.StatusAccepted, event); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	d.Nudge()

	deadline := time.After(5 * time.Second)
	for {
		if len(stub.seen()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("nudge did not trigger delivery in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestDispatcher_NudgeNeverBlocks(t *testing.T) {
	d := NewDispatcher(nil, "", time.Second, time.Minute)
	// 无人消费时连续 Nudge 也不能阻塞
	for i := 0; i < 10; i++ {
		d.Nudge()
	}
}
