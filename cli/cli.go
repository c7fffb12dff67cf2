package cli

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhirsama/Goster-DevAuth/src/admission"
	"github.com/nhirsama/Goster-DevAuth/src/api"
	"github.com/nhirsama/Goster-DevAuth/src/config"
	"github.com/nhirsama/Goster-DevAuth/src/datastore"
	"github.com/nhirsama/Goster-DevAuth/src/device_manager"
	"github.com/nhirsama/Goster-DevAuth/src/identity_manager"
	"github.com/nhirsama/Goster-DevAuth/src/inter"
	"github.com/nhirsama/Goster-DevAuth/src/management"
	"github.com/nhirsama/Goster-DevAuth/src/token_manager"
	"github.com/nhirsama/Goster-DevAuth/src/workflow"
)

func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer func() {
		stop()
		fmt.Println("系统正常关闭")
	}()

	configPath := flag.String("config", "", "配置文件路径 (默认在工作目录查找 devauth.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	if err := start(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func newDataStore(ctx context.Context, cfg config.Config) (inter.DataStore, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		return datastore.NewDataStoreSql(cfg.SQLitePath)
	case "postgres":
		return datastore.NewDataStorePg(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动 %q", cfg.StorageDriver)
	}
}

func start(ctx context.Context, cfg config.Config) error {
	ds, err := newDataStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("存储初始化失败: %w", err)
	}
	defer ds.Close()

	im := identity_manager.NewIdentityManager()
	tm := token_manager.NewTokenManager(cfg.JWTSecret)
	ac := admission.NewChecker(cfg.AdmissionURL, cfg.ExternalTimeout)
	wd := workflow.NewDispatcher(ds, cfg.OrchestratorURL, cfg.ExternalTimeout, cfg.DrainInterval)
	dm := device_manager.NewDeviceManager(ds, im, ac, wd)

	// outbox 排空协程：状态变更提交后异步投递工作流
	go wd.Run(ctx)

	deviceSrv := &http.Server{
		Addr:    cfg.DeviceListen,
		Handler: api.NewDeviceAPI(dm, tm).Handler(),
	}
	mgmtSrv := &http.Server{
		Addr:    cfg.ManagementListen,
		Handler: management.NewManagementAPI(dm, tm, cfg.DefaultPerPage, cfg.MaxPerPage).Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("正在启动设备 API 于 %s", cfg.DeviceListen)
		errCh <- deviceSrv.ListenAndServe()
	}()
	go func() {
		log.Printf("正在启动管理 API 于 %s", cfg.ManagementListen)
		errCh <- mgmtSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	// 限时优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deviceSrv.Shutdown(shutdownCtx)
	mgmtSrv.Shutdown(shutdownCtx)
	return nil
}
