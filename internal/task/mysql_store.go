package task

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

// MySQLStore 使用 MySQL 持久化任务状态与执行结果。
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
	const tasks = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        implant_id VARCHAR(64) NOT NULL,
        command VARCHAR(128) NOT NULL,
        args TEXT,
        payload MEDIUMTEXT,
        metadata TEXT,
        priority INT NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        retry_count INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        timeout_seconds INT NOT NULL DEFAULT 300,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        assigned_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        next_retry_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        INDEX idx_task_status (status),
        INDEX idx_task_implant (implant_id, status),
        INDEX idx_task_dispatch (implant_id, status, priority DESC, created_at ASC)
)`
	if _, err := s.db.Exec(tasks); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}

	const results = `CREATE TABLE IF NOT EXISTS task_results (
        id VARCHAR(64) PRIMARY KEY,
        task_id VARCHAR(64) NOT NULL,
        implant_id VARCHAR(64) NOT NULL,
        result_type VARCHAR(32) NOT NULL DEFAULT '',
        success TINYINT(1) NOT NULL,
        exit_code INT NOT NULL DEFAULT 0,
        output MEDIUMTEXT,
        error TEXT,
        duration_ms BIGINT NOT NULL DEFAULT 0,
        received_at BIGINT NOT NULL,
        INDEX idx_result_task (task_id, received_at)
)`
	if _, err := s.db.Exec(results); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_results 表失败")
	}
	return nil
}

// Create 插入新任务。
func (s *MySQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}
	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	args, err := marshalJSONColumn(t.Args)
	if err != nil {
		return err
	}
	metadata, err := marshalJSONColumn(t.Metadata)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO tasks
        (id, implant_id, command, args, payload, metadata, priority, status, retry_count,
         max_retries, timeout_seconds, last_error, error_code, created_at, assigned_at,
         completed_at, next_retry_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		t.ID, t.ImplantID, t.Command, args, t.Payload, metadata, t.Priority, t.Status,
		t.RetryCount, t.MaxRetries, t.TimeoutSeconds, t.LastError, t.ErrorCode,
		t.CreatedAt, t.AssignedAt, t.CompletedAt, t.NextRetryAt, t.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, implant_id, command, args, payload, metadata, priority, status,
        retry_count, max_retries, timeout_seconds, last_error, error_code, created_at,
        assigned_at, completed_at, next_retry_at, updated_at`

// Get 返回指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ClaimNext 在事务内取出可派发任务并迁移为 assigned。
func (s *MySQLStore) ClaimNext(ctx context.Context, implantID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE implant_id = ? AND status = ?
         ORDER BY priority DESC, created_at ASC
         LIMIT 1 FOR UPDATE`, implantID, StatusQueued)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusAssigned, now, now, t.ID, StatusQueued)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "派发任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrTaskConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	t.Status = StatusAssigned
	t.AssignedAt = now
	t.UpdatedAt = now
	return t, nil
}

// MarkCompleted 将 assigned 任务迁移为 completed。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now().Unix()
	return s.casUpdate(ctx, id,
		`UPDATE tasks SET status = ?, completed_at = ?, last_error = '', error_code = '', updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusCompleted, now, now, id, StatusAssigned)
}

// MarkFailed 将 assigned 任务迁移为 failed。
func (s *MySQLStore) MarkFailed(ctx context.Context, id, errorCode, lastError string, nextRetryAt int64) error {
	return s.casUpdate(ctx, id,
		`UPDATE tasks SET status = ?, retry_count = retry_count + 1, error_code = ?, last_error = ?,
         next_retry_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusFailed, errorCode, lastError, nextRetryAt, time.Now().Unix(), id, StatusAssigned)
}

// MarkTimedOut 将 assigned 任务迁移为 timed_out。
func (s *MySQLStore) MarkTimedOut(ctx context.Context, id string, nextRetryAt int64) error {
	return s.casUpdate(ctx, id,
		`UPDATE tasks SET status = ?, retry_count = retry_count + 1, error_code = ?, last_error = ?,
         next_retry_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusTimedOut, string(CodeTaskTimeout), "task execution timed out",
		nextRetryAt, time.Now().Unix(), id, StatusAssigned)
}

// Requeue 将等待重试的任务重新迁移为 queued。
func (s *MySQLStore) Requeue(ctx context.Context, id string) error {
	return s.casUpdate(ctx, id,
		`UPDATE tasks SET status = ?, assigned_at = 0, next_retry_at = 0, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		StatusQueued, time.Now().Unix(), id, StatusFailed, StatusTimedOut)
}

// MarkPermanentlyFailed 将等待重试的任务迁移为终止态。
func (s *MySQLStore) MarkPermanentlyFailed(ctx context.Context, id string) error {
	return s.casUpdate(ctx, id,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusPermanentlyFailed, time.Now().Unix(), id, StatusFailed, StatusTimedOut)
}

// PromotePriority 提升排队任务的优先级。
func (s *MySQLStore) PromotePriority(ctx context.Context, id string, priority int) error {
	return s.casUpdate(ctx, id,
		`UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ? AND status = ? AND priority < ?`,
		priority, time.Now().Unix(), id, StatusQueued, priority)
}

func (s *MySQLStore) casUpdate(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTaskConflict
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.ImplantID != "" {
		conditions = append(conditions, "implant_id = ?")
		args = append(args, opts.ImplantID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, 16)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// AppendResult 追加一条执行结果。
func (s *MySQLStore) AppendResult(ctx context.Context, r *Result) error {
	if r == nil || strings.TrimSpace(r.TaskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结果不能为空")
	}
	if r.ReceivedAt == 0 {
		r.ReceivedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO task_results
        (id, task_id, implant_id, result_type, success, exit_code, output, error, duration_ms, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		r.ID, r.TaskID, r.ImplantID, r.ResultType, r.Success, r.ExitCode,
		r.Output, r.Error, r.DurationMS, r.ReceivedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行结果失败")
	}
	return nil
}

// Results 返回指定任务的全部执行结果。
func (s *MySQLStore) Results(ctx context.Context, taskID string) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, implant_id, result_type, success, exit_code, output, error, duration_ms, received_at
         FROM task_results WHERE task_id = ? ORDER BY received_at ASC`, taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行结果失败")
	}
	defer rows.Close()

	results := make([]*Result, 0, 4)
	for rows.Next() {
		var r Result
		var output, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ImplantID, &r.ResultType, &r.Success,
			&r.ExitCode, &output, &errText, &r.DurationMS, &r.ReceivedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行结果失败")
		}
		r.Output = output.String
		r.Error = errText.String
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行结果失败")
	}
	return results, nil
}

// Stats 返回任务状态统计。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		for i := 0; i < count; i++ {
			stats.count(status)
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(created_at), 0), COALESCE(MAX(updated_at), 0)
         FROM tasks WHERE status = ?`, StatusQueued)
	if err := row.Scan(&stats.OldestQueuedAt, &stats.NewestUpdatedAt); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析排队统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskRowScanner) (*Task, error) {
	var t Task
	var args, payload, metadata, lastError sql.NullString
	if err := row.Scan(
		&t.ID, &t.ImplantID, &t.Command, &args, &payload, &metadata, &t.Priority, &t.Status,
		&t.RetryCount, &t.MaxRetries, &t.TimeoutSeconds, &lastError, &t.ErrorCode,
		&t.CreatedAt, &t.AssignedAt, &t.CompletedAt, &t.NextRetryAt, &t.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	t.Payload = payload.String
	t.LastError = lastError.String
	if args.Valid && strings.TrimSpace(args.String) != "" {
		if err := json.Unmarshal([]byte(args.String), &t.Args); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务参数失败")
		}
	}
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务元数据失败")
		}
	}
	return &t, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务字段失败")
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}
