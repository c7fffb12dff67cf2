package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

// DataStorePg 基于 PostgreSQL 的存储实现，接口语义与 SQLite 版一致。
// 区别在并发控制：接受路径使用租户级 advisory 事务锁串行化，
// 其余写入依赖唯一约束。
type DataStorePg struct {
	pool *pgxpool.Pool
}

const pgSchema = `
    CREATE TABLE IF NOT EXISTS devices (
       id              TEXT NOT NULL,
       tenant          TEXT NOT NULL,
       id_data         TEXT NOT NULL,
       decommissioning BOOLEAN NOT NULL DEFAULT FALSE,
       created_at      TIMESTAMPTZ NOT NULL,
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
       created_at TIMESTAMPTZ NOT NULL,
       PRIMARY KEY (tenant, id),
       UNIQUE (tenant, device_id, pubkey)
    );
    CREATE INDEX IF NOT EXISTS idx_auth_sets_device ON auth_sets (tenant, device_id);
    CREATE INDEX IF NOT EXISTS idx_auth_sets_status ON auth_sets (tenant, status);

    CREATE TABLE IF NOT EXISTS tenant_limits (
       tenant      TEXT PRIMARY KEY,
       max_devices BIGINT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS workflow_outbox (
       id         BIGSERIAL PRIMARY KEY,
       tenant     TEXT NOT NULL,
       device_id  TEXT NOT NULL,
       request_id TEXT NOT NULL,
       kind       TEXT NOT NULL,
       attempts   INTEGER NOT NULL DEFAULT 0,
       done       BOOLEAN NOT NULL DEFAULT FALSE,
       created_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_outbox_pending ON workflow_outbox (done, id);
`

const pgDerivedStatus = `
    SELECT device_id,
           CASE WHEN COUNT(*) FILTER (WHERE status = 'accepted') > 0 THEN 'accepted'
                WHEN COUNT(*) FILTER (WHERE status = 'rejected') > 0 THEN 'rejected'
                ELSE 'pending' END AS status
    FROM auth_sets WHERE tenant = $1 GROUP BY device_id`

func NewDataStorePg(ctx context.Context, dsn string) (inter.DataStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &DataStorePg{pool: pool}, nil
}

func isPgUniqueErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// FindOrCreateAuthSet 单事务的幂等创建：设备与认证集要么一起可见
// 要么都不落库，不会留下没有认证集的设备行。
// 唯一约束 + 冲突即放弃插入，随后回读胜者，
// 并发重复提交不会产生第二台设备。
func (s *DataStorePg) FindOrCreateAuthSet(ctx context.Context, tenant, deviceID, idData, pubKey string) (inter.AuthSet, bool, error) {
	var out inter.AuthSet
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return out, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
        INSERT INTO devices (id, tenant, id_data, created_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (tenant, id_data) DO NOTHING`,
		deviceID, tenant, idData, now); err != nil {
		return out, false, err
	}
	var devID string
	if err := tx.QueryRow(ctx,
		"SELECT id FROM devices WHERE tenant = $1 AND id_data = $2", tenant, idData).Scan(&devID); err != nil {
		return out, false, err
	}

	newID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
        INSERT INTO auth_sets (id, tenant, device_id, id_data, pubkey, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (tenant, device_id, pubkey) DO NOTHING`,
		newID, tenant, devID, idData, pubKey, inter.StatusPending, now); err != nil {
		return out, false, err
	}

	if err := tx.QueryRow(ctx,
		"SELECT id, device_id, id_data, pubkey, status, created_at FROM auth_sets WHERE tenant = $1 AND device_id = $2 AND pubkey = $3",
		tenant, devID, pubKey).Scan(&out.ID, &out.DeviceID, &out.IdentityData, &out.PubKey, &out.Status, &out.CreatedAt); err != nil {
		return out, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return out, false, err
	}
	return out, out.ID == newID, nil
}

func (s *DataStorePg) GetAuthSetByKey(ctx context.Context, tenant, deviceID, pubKey string) (inter.AuthSet, error) {
	var a inter.AuthSet
	err := s.pool.QueryRow(ctx,
		"SELECT id, device_id, id_data, pubkey, status, created_at FROM auth_sets WHERE tenant = $1 AND device_id = $2 AND pubkey = $3",
		tenant, deviceID, pubKey).Scan(&a.ID, &a.DeviceID, &a.IdentityData, &a.PubKey, &a.Status, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, inter.ErrNotFound
	}
	return a, err
}

func (s *DataStorePg) loadAuthSets(ctx context.Context, tenant, deviceID string) ([]inter.AuthSet, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, device_id, id_data, pubkey, status, created_at FROM auth_sets WHERE tenant = $1 AND device_id = $2 ORDER BY created_at, id",
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

func (s *DataStorePg) getDevice(ctx context.Context, tenant, where, arg string) (inter.Device, error) {
	var d inter.Device
	err := s.pool.QueryRow(ctx,
		"SELECT id, id_data, decommissioning, created_at FROM devices WHERE tenant = $1 AND "+where+" = $2",
		tenant, arg).Scan(&d.ID, &d.IdentityData, &d.Decommissioning, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *DataStorePg) GetDevice(ctx context.Context, tenant, deviceID string) (inter.Device, error) {
	return s.getDevice(ctx, tenant, "id", deviceID)
}

func (s *DataStorePg) GetDeviceByIdentity(ctx context.Context, tenant, idData string) (inter.Device, error) {
	return s.getDevice(ctx, tenant, "id_data", idData)
}

func (s *DataStorePg) ListDevices(ctx context.Context, tenant, status string, page, perPage int) ([]inter.Device, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * perPage

	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, `
            SELECT id, id_data, decommissioning, created_at FROM devices
            WHERE tenant = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
			tenant, perPage, offset)
	} else {
		rows, err = s.pool.Query(ctx, `
            SELECT d.id, d.id_data, d.decommissioning, d.created_at FROM devices d
            JOIN (`+pgDerivedStatus+`) st ON st.device_id = d.id
            WHERE d.tenant = $1 AND st.status = $2
            ORDER BY d.created_at, d.id LIMIT $3 OFFSET $4`,
			tenant, status, perPage, offset)
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

func (s *DataStorePg) CountDevices(ctx context.Context, tenant, status string) (int, error) {
	var count int
	var err error
	if status == "" {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM devices WHERE tenant = $1", tenant).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM ("+pgDerivedStatus+") st WHERE st.status = $2",
			tenant, status).Scan(&count)
	}
	return count, err
}

func (s *DataStorePg) SetAuthSetStatus(ctx context.Context, tenant, deviceID, authSetID, status string, event *inter.WorkflowEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// 租户级 advisory 锁：同租户的接受操作串行执行，
	// 检查与提交之间不会插入另一个接受
	if status == inter.StatusAccepted {
		if _, err := tx.Exec(ctx,
			"SELECT pg_advisory_xact_lock(hashtext($1))", tenant); err != nil {
			return err
		}
	}

	var current string
	err = tx.QueryRow(ctx,
		"SELECT status FROM auth_sets WHERE tenant = $1 AND device_id = $2 AND id = $3",
		tenant, deviceID, authSetID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return inter.ErrNotFound
	}
	if err != nil {
		return err
	}

	if status == inter.StatusAccepted {
		var deviceAccepted int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM auth_sets WHERE tenant = $1 AND device_id = $2 AND status = 'accepted'",
			tenant, deviceID).Scan(&deviceAccepted); err != nil {
			return err
		}

		if deviceAccepted == 0 {
			var limit uint64
			err := tx.QueryRow(ctx,
				"SELECT max_devices FROM tenant_limits WHERE tenant = $1", tenant).Scan(&limit)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if limit > 0 {
				var accepted uint64
				if err := tx.QueryRow(ctx,
					"SELECT COUNT(DISTINCT device_id) FROM auth_sets WHERE tenant = $1 AND status = 'accepted'",
					tenant).Scan(&accepted); err != nil {
					return err
				}
				if accepted >= limit {
					return fmt.Errorf("%w: 上限 %d", inter.ErrQuotaExceeded, limit)
				}
			}
		}
	}

	if _, err := tx.Exec(ctx,
		"UPDATE auth_sets SET status = $1 WHERE tenant = $2 AND id = $3",
		status, tenant, authSetID); err != nil {
		return err
	}
	if event != nil {
		if err := s.insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *DataStorePg) insertOutbox(ctx context.Context, tx pgx.Tx, e *inter.WorkflowEvent) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO workflow_outbox (tenant, device_id, request_id, kind, created_at) VALUES ($1, $2, $3, $4, $5)",
		e.Tenant, e.DeviceID, e.RequestID, e.Kind, time.Now().UTC())
	return err
}

func (s *DataStorePg) DeleteAuthSet(ctx context.Context, tenant, deviceID, authSetID string, event *inter.WorkflowEvent) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx,
		"SELECT 1 FROM devices WHERE tenant = $1 AND id = $2", tenant, deviceID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, inter.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx,
		"DELETE FROM auth_sets WHERE tenant = $1 AND device_id = $2 AND id = $3",
		tenant, deviceID, authSetID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, inter.ErrNotFound
	}

	var remaining int
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM auth_sets WHERE tenant = $1 AND device_id = $2",
		tenant, deviceID).Scan(&remaining); err != nil {
		return false, err
	}

	deviceGone := remaining == 0
	if deviceGone {
		if _, err := tx.Exec(ctx,
			"DELETE FROM devices WHERE tenant = $1 AND id = $2", tenant, deviceID); err != nil {
			return false, err
		}
		if event != nil {
			if err := s.insertOutbox(ctx, tx, event); err != nil {
				return false, err
			}
		}
	}
	return deviceGone, tx.Commit(ctx)
}

func (s *DataStorePg) MarkDeviceDecommissioning(ctx context.Context, tenant, deviceID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE devices SET decommissioning = TRUE WHERE tenant = $1 AND id = $2", tenant, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inter.ErrNotFound
	}
	return nil
}

func (s *DataStorePg) DeleteDevice(ctx context.Context, tenant, deviceID string, event *inter.WorkflowEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"DELETE FROM devices WHERE tenant = $1 AND id = $2", tenant, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inter.ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM auth_sets WHERE tenant = $1 AND device_id = $2", tenant, deviceID); err != nil {
		return err
	}
	if event != nil {
		if err := s.insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *DataStorePg) PreauthorizeDevice(ctx context.Context, tenant, authSetID, deviceID, idData, pubKey string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var n int
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM auth_sets WHERE tenant = $1 AND id = $2",
		tenant, authSetID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: 认证集 %s", inter.ErrConflict, authSetID)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		"INSERT INTO devices (id, tenant, id_data, created_at) VALUES ($1, $2, $3, $4)",
		deviceID, tenant, idData, now); err != nil {
		if isPgUniqueErr(err) {
			return inter.ErrConflict
		}
		return err
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO auth_sets (id, tenant, device_id, id_data, pubkey, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		authSetID, tenant, deviceID, idData, pubKey, inter.StatusPreauthorized, now); err != nil {
		if isPgUniqueErr(err) {
			return inter.ErrConflict
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *DataStorePg) GetLimit(ctx context.Context, tenant string) (uint64, error) {
	var limit uint64
	err := s.pool.QueryRow(ctx,
		"SELECT max_devices FROM tenant_limits WHERE tenant = $1", tenant).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return limit, err
}

func (s *DataStorePg) PutLimit(ctx context.Context, tenant string, limit uint64) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO tenant_limits (tenant, max_devices) VALUES ($1, $2)
        ON CONFLICT (tenant) DO UPDATE SET max_devices = EXCLUDED.max_devices`,
		tenant, limit)
	return err
}

func (s *DataStorePg) NextWorkflowEvents(ctx context.Context, max int) ([]inter.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, tenant, device_id, request_id, kind, attempts, created_at FROM workflow_outbox WHERE NOT done ORDER BY id LIMIT $1",
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

func (s *DataStorePg) MarkWorkflowDone(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE workflow_outbox SET done = TRUE WHERE id = $1", id)
	return err
}

func (s *DataStorePg) MarkWorkflowFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE workflow_outbox SET attempts = attempts + 1 WHERE id = $1", id)
	return err
}

func (s *DataStorePg) Close() error {
	s.pool.Close()
	return nil
}
