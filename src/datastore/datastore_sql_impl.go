package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nhirsama/Goster-DevAuth/src/inter"
	_ "modernc.org/sqlite"
)

type DataStoreSql struct {
	db *sql.DB
}

func NewDataStoreSql(dbPath string) (inter.DataStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite 单写者：限制为单连接，配额检查与状态提交
	// 在同一事务内天然串行化，不会与并发接受操作交织
	db.SetMaxOpenConns(1)

	// 初始化表结构
	schema := `
    CREATE TABLE IF NOT EXISTS devices (
       id              TEXT NOT NULL,
       tenant          TEXT NOT NULL,
       id_data         TEXT NOT NULL,
       decommissioning INTEGER NOT NULL DEFAULT 0,
       created_at      DATETIME NOT NULL,
       PRIMARY KEY (tenant, id),
       UNIQUE (tenant, id_data)
    );

    CREATE TABLE IF NOT EXISTS auth_sets (
       id         TEXT NOT NULL,
       tenant     TEXT NOT NULL,
       device_id  TEXT NOT NULL,
       id_data    TEXT NOT NULL,
       pubkey     TEXT NOT NULL,
       status     TEXT NOT NULL,
       created_at DATETIME NOT NULL,
       PRIMARY KEY (tenant, id),
       UNIQUE (tenant, device_id, pubkey)
    );
    CREATE INDEX IF NOT EXISTS idx_auth_sets_device ON auth_sets (tenant, device_id);
    CREATE INDEX IF NOT EXISTS idx_auth_sets_status ON auth_sets (tenant, status);

    CREATE TABLE IF NOT EXISTS tenant_limits (
       tenant      TEXT PRIMARY KEY,
       max_devices INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS workflow_outbox (
       id         INTEGER PRIMARY KEY AUTOINCREMENT,
       tenant     TEXT NOT NULL,
       device_id  TEXT NOT NULL,
       request_id TEXT NOT NULL,
       kind       TEXT NOT NULL,
       attempts   INTEGER NOT NULL DEFAULT 0,
       done       INTEGER NOT NULL DEFAULT 0,
       created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_outbox_pending ON workflow_outbox (done, id);
    `

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DataStoreSql{db: db}, nil
}

// derivedStatusQuery 计算租户内每台设备的派生状态。
// 优先级: accepted > rejected > pending（preauthorized 归入 pending）。
const derivedStatusQuery = `
    SELECT device_id,
           CASE WHEN SUM(status = 'accepted') > 0 THEN 'accepted'
                WHEN SUM(status = 'rejected') > 0 THEN 'rejected'
                ELSE 'pending' END AS status
    FROM auth_sets WHERE tenant = ? GROUP BY device_id`

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

// FindOrCreateAuthSet 幂等的设备/认证集创建。
// 单连接事务内先查后插；唯一约束作为并发下的最后防线，
// 命中约束时降级为一次查询而不是报错。
func (s *DataStoreSql) FindOrCreateAuthSet(ctx context.Context, tenant, deviceID, idData, pubKey string) (inter.AuthSet, bool, error) {
	var out inter.AuthSet

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// 设备：按身份查找，不存在则创建
	var devID string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM devices WHERE tenant = ? AND id_data = ?", tenant, idData).Scan(&devID)
	if errors.Is(err, sql.ErrNoRows) {
		devID = deviceID
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO devices (id, tenant, id_data, created_at) VALUES (?, ?, ?, ?)",
			devID, tenant, idData, now); err != nil {
			if !isConstraintErr(err) {
				return out, false, err
			}
			// 并发创建撞车，重新读取胜者
			if err := tx.QueryRowContext(ctx,
				"SELECT id FROM devices WHERE tenant = ? AND id_data = ?", tenant, idData).Scan(&devID); err != nil {
				return out, false, err
			}
		}
	} else if err != nil {
		return out, false, err
	}

	// 认证集：按 (设备, 公钥) 查找，不存在则以 pending 创建
	out, err = scanAuthSet(tx.QueryRowContext(ctx,
		"SELECT id, device_id, id_data, pubkey, status, created_at FROM auth_sets WHERE tenant = ? AND device_id = ? AND pubkey = ?",
		tenant, devID, pubKey))
	if err == nil {
		return out, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return out, false, err
	}

	out = inter.AuthSet{
		ID:           uuid.NewString(),
		DeviceID:     devID,
		IdentityData: idData,
		PubKey:       pubKey,
		Status:       inter.StatusPending,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO auth_sets (id, tenant, device_id, id_data, pubkey, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		out.ID, tenant, devID, idData, pubKey, out.Status, now); err != nil {
		if !isConstraintErr(err) {
			return out, false, err
		}
		out, err = scanAuthSet(tx.QueryRowContext(ctx,
			"SELECT id, device_id, id_data, pubkey, status, created_at FROM auth_sets WHERE tenant = ? AND device_id = ? AND pubkey = ?",
			tenant, devID, pubKey))
		if err != nil {
			return out, false, err
		}
		return out, false, tx.Commit()
	}
	return out, true, tx.Commit()
}

func scanAuthSet(row *sql.Row) (inter.AuthSet, error) {
	var a inter.AuthSet
	err := row.Scan(&a.ID, &a.DeviceID, &a.IdentityData, &a.PubKey, &a.Status, &a.CreatedAt)
	return a, err
}

func (s *DataStoreSql) GetAuthSetByKey(ctx context.Context, tenant, deviceID, pubKey string) (inter.AuthSet, error) {
	a, err := scanAuthSet(s.db.QueryRowContext(ctx,
		"SELECT id, device_id, id_data, pubkey, status, created_at FROM auth_sets WHERE tenant = ? AND device_id = ? AND pubkey = ?",
		tenant, deviceID, pubKey))
	if errors.Is(err, sql.ErrNoRows) {
		return a, inter.ErrNotFound
	}
	return a, err
}

// loadAuthSets 读取某台设备的全部认证集（按创建顺序）
func (s *DataStoreSql) loadAuthSets(ctx context.Context, tenant, deviceID string) ([]inter.AuthSet, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, device_id, id_data, pubkey, status, created_at FROM auth_sets WHERE tenant = ? AND device_id = ? ORDER BY created_at, id",
		tenant, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []inter.AuthSet
	for rows.Next() {
		var a inter.AuthSet
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.IdentityData, &a.PubKey, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		sets = append(sets, a)
	}
	return sets, rows.Err()
}

func (s *DataStoreSql) getDevice(ctx context.Context, tenant, where, arg string) (inter.Device, error) {
	var d inter.Device
	err := s.db.QueryRowContext(ctx,
		"SELECT id, id_data, decommissioning, created_at FROM devices WHERE tenant = ? AND "+where+" = ?",
		tenant, arg).Scan(&d.ID, &d.IdentityData, &d.Decommissioning, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, inter.ErrNotFound
	}
	if err != nil {
		return d, err
	}

	if d.AuthSets, err = s.loadAuthSets(ctx, tenant, d.ID); err != nil {
		return d, err
	}
	d.Status = inter.DeriveStatus(d.AuthSets)
	return d, nil
}

func (s *DataStoreSql) GetDevice(ctx context.Context, tenant, deviceID string) (inter.Device, error) {
	return s.getDevice(ctx, tenant, "id", deviceID)
}

func (s *DataStoreSql) GetDeviceByIdentity(ctx context.Context, tenant, idData string) (inter.Device, error) {
	return s.getDevice(ctx, tenant, "id_data", idData)
}

// ListDevices 按创建时间稳定排序分页；status 非空时按派生状态过滤
func (s *DataStoreSql) ListDevices(ctx context.Context, tenant, status string, page, perPage int) ([]inter.Device, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * perPage

	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
            SELECT id, id_data, decommissioning, created_at FROM devices
            WHERE tenant = ? ORDER BY created_at, id LIMIT ? OFFSET ?`,
			tenant, perPage, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
            SELECT d.id, d.id_data, d.decommissioning, d.created_at FROM devices d
            JOIN (`+derivedStatusQuery+`) st ON st.device_id = d.id
            WHERE d.tenant = ? AND st.status = ?
            ORDER BY d.created_at, d.id LIMIT ? OFFSET ?`,
			tenant, tenant, status, perPage, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []inter.Device
	for rows.Next() {
		var d inter.Device
		if err := rows.Scan(&d.ID, &d.IdentityData, &d.Decommissioning, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range devices {
		if devices[i].AuthSets, err = s.loadAuthSets(ctx, tenant, devices[i].ID); err != nil {
			return nil, err
		}
		devices[i].Status = inter.DeriveStatus(devices[i].AuthSets)
	}
	return devices, nil
}

func (s *DataStoreSql) CountDevices(ctx context.Context, tenant, status string) (int, error) {
	var count int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM devices WHERE tenant = ?", tenant).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM ("+derivedStatusQuery+") WHERE status = ?",
			tenant, status).Scan(&count)
	}
	return count, err
}

// SetAuthSetStatus 单事务的检查并提交：配额判定、状态更新与
// outbox 追加要么全部生效要么全部回滚。
func (s *DataStoreSql) SetAuthSetStatus(ctx context.Context, tenant, deviceID, authSetID, status string, event *inter.WorkflowEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM auth_sets WHERE tenant = ? AND device_id = ? AND id = ?",
		tenant, deviceID, authSetID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return inter.ErrNotFound
	}
	if err != nil {
		return err
	}

	if status == inter.StatusAccepted {
		// 设备已持有 accepted 认证集时不占用新名额
		var deviceAccepted int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM auth_sets WHERE tenant = ? AND device_id = ? AND status = 'accepted'",
			tenant, deviceID).Scan(&deviceAccepted); err != nil {
			return err
		}

		if deviceAccepted == 0 {
			var limit uint64
			err := tx.QueryRowContext(ctx,
				"SELECT max_devices FROM tenant_limits WHERE tenant = ?", tenant).Scan(&limit)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			if limit > 0 {
				var accepted uint64
				if err := tx.QueryRowContext(ctx,
					"SELECT COUNT(DISTINCT device_id) FROM auth_sets WHERE tenant = ? AND status = 'accepted'",
					tenant).Scan(&accepted); err != nil {
					return err
				}
				if accepted >= limit {
					return fmt.Errorf("%w: 上限 %d", inter.ErrQuotaExceeded, limit)
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE auth_sets SET status = ? WHERE tenant = ? AND id = ?",
		status, tenant, authSetID); err != nil {
		return err
	}

	if event != nil {
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertOutbox(ctx context.Context, tx *sql.Tx, e *inter.WorkflowEvent) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO workflow_outbox (tenant, device_id, request_id, kind, created_at) VALUES (?, ?, ?, ?, ?)",
		e.Tenant, e.DeviceID, e.RequestID, e.Kind, time.Now().UTC())
	return err
}

// DeleteAuthSet 删除认证集；若为设备最后一个认证集则级联删除设备，
// 并仅在此时写入退役通知。返回设备是否已被删除。
func (s *DataStoreSql) DeleteAuthSet(ctx context.Context, tenant, deviceID, authSetID string, event *inter.WorkflowEvent) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM devices WHERE tenant = ? AND id = ?", tenant, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, inter.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM auth_sets WHERE tenant = ? AND device_id = ? AND id = ?",
		tenant, deviceID, authSetID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, inter.ErrNotFound
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM auth_sets WHERE tenant = ? AND device_id = ?",
		tenant, deviceID).Scan(&remaining); err != nil {
		return false, err
	}

	deviceGone := remaining == 0
	if deviceGone {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM devices WHERE tenant = ? AND id = ?", tenant, deviceID); err != nil {
			return false, err
		}
		if event != nil {
			if err := insertOutbox(ctx, tx, event); err != nil {
				return false, err
			}
		}
	}
	return deviceGone, tx.Commit()
}

func (s *DataStoreSql) MarkDeviceDecommissioning(ctx context.Context, tenant, deviceID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET decommissioning = 1 WHERE tenant = ? AND id = ?", tenant, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return inter.ErrNotFound
	}
	return nil
}

// DeleteDevice 删除设备及其全部认证集，退役通知随事务一并提交
func (s *DataStoreSql) DeleteDevice(ctx context.Context, tenant, deviceID string, event *inter.WorkflowEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM devices WHERE tenant = ? AND id = ?", tenant, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return inter.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM auth_sets WHERE tenant = ? AND device_id = ?", tenant, deviceID); err != nil {
		return err
	}
	if event != nil {
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PreauthorizeDevice 原子创建设备与单个 preauthorized 认证集。
// 认证集 ID、设备身份或 (设备, 公钥) 任一冲突都返回 ErrConflict。
func (s *DataStoreSql) PreauthorizeDevice(ctx context.Context, tenant, authSetID, deviceID, idData, pubKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM auth_sets WHERE tenant = ? AND id = ?",
		tenant, authSetID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: 认证集 %s", inter.ErrConflict, authSetID)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE tenant = ? AND (id = ? OR id_data = ?)",
		tenant, deviceID, idData).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: 设备身份已注册", inter.ErrConflict)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO devices (id, tenant, id_data, created_at) VALUES (?, ?, ?, ?)",
		deviceID, tenant, idData, now); err != nil {
		if isConstraintErr(err) {
			return inter.ErrConflict
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO auth_sets (id, tenant, device_id, id_data, pubkey, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		authSetID, tenant, deviceID, idData, pubKey, inter.StatusPreauthorized, now); err != nil {
		if isConstraintErr(err) {
			return inter.ErrConflict
		}
		return err
	}
	return tx.Commit()
}

// [租户配额]

func (s *DataStoreSql) GetLimit(ctx context.Context, tenant string) (uint64, error) {
	var limit uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT max_devices FROM tenant_limits WHERE tenant = ?", tenant).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		// 未配置即不限制
		return 0, nil
	}
	return limit, err
}

func (s *DataStoreSql) PutLimit(ctx context.Context, tenant string, limit uint64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tenant_limits (tenant, max_devices) VALUES (?, ?) ON CONFLICT (tenant) DO UPDATE SET max_devices = excluded.max_devices",
		tenant, limit)
	return err
}

// [工作流 outbox]

func (s *DataStoreSql) NextWorkflowEvents(ctx context.Context, max int) ([]inter.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tenant, device_id, request_id, kind, attempts, created_at FROM workflow_outbox WHERE done = 0 ORDER BY id LIMIT ?",
		max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []inter.WorkflowEvent
	for rows.Next() {
		var e inter.WorkflowEvent
		if err := rows.Scan(&e.ID, &e.Tenant, &e.DeviceID, &e.RequestID, &e.Kind, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *DataStoreSql) MarkWorkflowDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workflow_outbox SET done = 1 WHERE id = ?", id)
	return err
}

func (s *DataStoreSql) MarkWorkflowFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workflow_outbox SET attempts = attempts + 1 WHERE id = ?", id)
	return err
}

func (s *DataStoreSql) Close() error {
	return s.db.Close()
}
