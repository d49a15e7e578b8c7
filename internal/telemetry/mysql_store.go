package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Sentinel-C2/internal/errors"
)

// MySQLStore 使用 MySQL 持久化遥测样本。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 复用已有连接池。
func NewMySQLStoreWithDB(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS telemetry_samples (
        id VARCHAR(64) PRIMARY KEY,
        implant_id VARCHAR(64) NOT NULL,
        cpu_percent DOUBLE NOT NULL,
        memory_percent DOUBLE NOT NULL,
        health_score DOUBLE NOT NULL DEFAULT 0,
        active_tasks INT NOT NULL DEFAULT 0,
        uptime_seconds BIGINT NOT NULL DEFAULT 0,
        extra TEXT,
        reported_at BIGINT NOT NULL,
        INDEX idx_telemetry_implant (implant_id, reported_at DESC)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 telemetry_samples 表失败")
	}
	return nil
}

// Append 插入一条样本。
func (s *MySQLStore) Append(ctx context.Context, sample *Sample) error {
	if sample == nil || strings.TrimSpace(sample.ImplantID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "样本不能为空")
	}
	if sample.ReportedAt == 0 {
		sample.ReportedAt = time.Now().Unix()
	}
	var extra sql.NullString
	if len(sample.Extra) > 0 {
		bytes, err := json.Marshal(sample.Extra)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码样本附加字段失败")
		}
		extra = sql.NullString{String: string(bytes), Valid: true}
	}

	const stmt = `INSERT INTO telemetry_samples
        (id, implant_id, cpu_percent, memory_percent, health_score, active_tasks, uptime_seconds, extra, reported_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		sample.ID, sample.ImplantID, sample.CPUPercent, sample.MemoryPercent, sample.HealthScore,
		sample.ActiveTasks, sample.UptimeSeconds, extra, sample.ReportedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "样本已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入遥测样本失败")
	}
	return nil
}

// Recent 返回最近的 limit 条样本。
func (s *MySQLStore) Recent(ctx context.Context, implantID string, limit int) ([]*Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, implant_id, cpu_percent, memory_percent, health_score, active_tasks, uptime_seconds, extra, reported_at
         FROM telemetry_samples WHERE implant_id = ? ORDER BY reported_at DESC LIMIT ?`,
		implantID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询遥测样本失败")
	}
	defer rows.Close()

	samples := make([]*Sample, 0, limit)
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历遥测样本失败")
	}
	return samples, nil
}

// Latest 返回最新样本。
func (s *MySQLStore) Latest(ctx context.Context, implantID string) (*Sample, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, implant_id, cpu_percent, memory_percent, health_score, active_tasks, uptime_seconds, extra, reported_at
         FROM telemetry_samples WHERE implant_id = ? ORDER BY reported_at DESC LIMIT 1`, implantID)
	sample, err := scanSample(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) || xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return nil, xerrors.New(xerrors.CodeNotFound, "没有遥测样本")
		}
		return nil, err
	}
	return sample, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sampleRowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row sampleRowScanner) (*Sample, error) {
	var sample Sample
	var extra sql.NullString
	if err := row.Scan(&sample.ID, &sample.ImplantID, &sample.CPUPercent, &sample.MemoryPercent,
		&sample.HealthScore, &sample.ActiveTasks, &sample.UptimeSeconds, &extra, &sample.ReportedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "没有遥测样本")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询遥测样本失败")
	}
	if extra.Valid && strings.TrimSpace(extra.String) != "" {
		if err := json.Unmarshal([]byte(extra.String), &sample.Extra); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析样本附加字段失败")
		}
	}
	return &sample, nil
}

var _ Store = (*MySQLStore)(nil)
