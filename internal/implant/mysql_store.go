package implant

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

// MySQLStore 使用 MySQL 记录植入体身份。
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

// NewMySQLStoreWithDB 复用已有连接池，供同库的多个存储共享。
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
	const schema = `CREATE TABLE IF NOT EXISTS implants (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL UNIQUE,
        implant_type VARCHAR(32) NOT NULL,
        version VARCHAR(64) DEFAULT '',
        hostname VARCHAR(255) DEFAULT '',
        os VARCHAR(64) DEFAULT '',
        architecture VARCHAR(32) DEFAULT '',
        addresses TEXT,
        certificate_serial VARCHAR(128) DEFAULT '',
        fingerprint VARCHAR(128) NOT NULL,
        capabilities TEXT,
        connection_quality INT NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        metadata TEXT,
        first_seen_at BIGINT NOT NULL,
        last_seen_at BIGINT NOT NULL,
        INDEX idx_implant_status (status),
        INDEX idx_implant_fingerprint (fingerprint)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 implants 表失败")
	}
	return nil
}

// Create 插入新的植入体记录。
func (s *MySQLStore) Create(ctx context.Context, imp *Implant) error {
	if imp == nil || strings.TrimSpace(imp.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "implant 不能为空")
	}
	now := time.Now().Unix()
	if imp.FirstSeenAt == 0 {
		imp.FirstSeenAt = now
	}
	imp.LastSeenAt = now

	addresses, capabilities, metadata, err := marshalImplantColumns(imp)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO implants
        (id, name, implant_type, version, hostname, os, architecture, addresses, certificate_serial,
         fingerprint, capabilities, connection_quality, status, metadata, first_seen_at, last_seen_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		imp.ID, imp.Name, imp.Type, imp.Version, imp.Hostname, imp.OS, imp.Architecture,
		addresses, imp.CertificateSerial, imp.Fingerprint, capabilities,
		imp.ConnectionQuality, imp.Status, metadata, imp.FirstSeenAt, imp.LastSeenAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "植入体已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入植入体失败")
	}
	return nil
}

const implantColumns = `id, name, implant_type, version, hostname, os, architecture, addresses,
        certificate_serial, fingerprint, capabilities, connection_quality, status, metadata,
        first_seen_at, last_seen_at`

// Get 查询指定植入体。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Implant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+implantColumns+` FROM implants WHERE id = ?`, id)
	return scanImplant(row)
}

// GetByName 按名称查询。
func (s *MySQLStore) GetByName(ctx context.Context, name string) (*Implant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+implantColumns+` FROM implants WHERE name = ?`, strings.TrimSpace(name))
	return scanImplant(row)
}

// Update 覆盖写入已有记录，终止态拒绝更新。
func (s *MySQLStore) Update(ctx context.Context, imp *Implant) error {
	if imp == nil || strings.TrimSpace(imp.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "implant 不能为空")
	}
	addresses, capabilities, metadata, err := marshalImplantColumns(imp)
	if err != nil {
		return err
	}

	const stmt = `UPDATE implants SET name = ?, implant_type = ?, version = ?, hostname = ?, os = ?,
        architecture = ?, addresses = ?, certificate_serial = ?, fingerprint = ?, capabilities = ?,
        connection_quality = ?, status = ?, metadata = ?, last_seen_at = ?
        WHERE id = ? AND status <> ?`

	res, err := s.db.ExecContext(ctx, stmt,
		imp.Name, imp.Type, imp.Version, imp.Hostname, imp.OS, imp.Architecture,
		addresses, imp.CertificateSerial, imp.Fingerprint, capabilities,
		imp.ConnectionQuality, imp.Status, metadata, time.Now().Unix(),
		imp.ID, StatusTerminated,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新植入体失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		existing, getErr := s.Get(ctx, imp.ID)
		if getErr != nil {
			return getErr
		}
		if existing.Status.IsTerminal() {
			return ErrImplantTerminated
		}
	}
	return nil
}

// UpdateStatus 比较并交换状态。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	const stmt = `UPDATE implants SET status = ?, last_seen_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, to, time.Now().Unix(), id, from)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新植入体状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeConflict, "植入体状态已变更")
	}
	return nil
}

// MarkStatus 无条件迁移状态，终止态保持粘性。
func (s *MySQLStore) MarkStatus(ctx context.Context, id string, to Status) error {
	const stmt = `UPDATE implants SET status = ?, last_seen_at = ? WHERE id = ? AND (status <> ? OR ? = ?)`
	res, err := s.db.ExecContext(ctx, stmt, to, time.Now().Unix(), id, StatusTerminated, to, StatusTerminated)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "迁移植入体状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if existing.Status.IsTerminal() {
			return ErrImplantTerminated
		}
	}
	return nil
}

// List 返回全部记录。
func (s *MySQLStore) List(ctx context.Context) ([]*Implant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+implantColumns+` FROM implants ORDER BY name ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询植入体列表失败")
	}
	defer rows.Close()

	implants := make([]*Implant, 0, 16)
	for rows.Next() {
		imp, err := scanImplant(rows)
		if err != nil {
			return nil, err
		}
		implants = append(implants, imp)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历植入体失败")
	}
	return implants, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImplant(row rowScanner) (*Implant, error) {
	var imp Implant
	var addresses, capabilities, metadata sql.NullString
	if err := row.Scan(
		&imp.ID, &imp.Name, &imp.Type, &imp.Version, &imp.Hostname, &imp.OS, &imp.Architecture,
		&addresses, &imp.CertificateSerial, &imp.Fingerprint, &capabilities,
		&imp.ConnectionQuality, &imp.Status, &metadata, &imp.FirstSeenAt, &imp.LastSeenAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrImplantNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询植入体失败")
	}
	if err := unmarshalColumn(addresses, &imp.Addresses); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(capabilities, &imp.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(metadata, &imp.Metadata); err != nil {
		return nil, err
	}
	return &imp, nil
}

func marshalImplantColumns(imp *Implant) (sql.NullString, sql.NullString, sql.NullString, error) {
	addresses, err := marshalColumn(imp.Addresses)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}, err
	}
	capabilities, err := marshalColumn(imp.Capabilities)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}, err
	}
	metadata, err := marshalColumn(imp.Metadata)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}, err
	}
	return addresses, capabilities, metadata, nil
}

func marshalColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码植入体字段失败")
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalColumn(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), target); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析植入体字段失败")
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
