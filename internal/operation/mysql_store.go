package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenLP-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录操作状态。
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

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS operation_states (
        id VARCHAR(64) PRIMARY KEY,
        kind VARCHAR(32) NOT NULL,
        owner VARCHAR(64) NOT NULL,
        request TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_outcome VARCHAR(32) DEFAULT '',
        result_verdict VARCHAR(32) DEFAULT '',
        result_bundle_id VARCHAR(128) DEFAULT '',
        result_signatures TEXT,
        result_landed_steps INT NOT NULL DEFAULT 0,
        result_funds_moved TINYINT(1) NOT NULL DEFAULT 0,
        result_recovery_hint TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_operation_status (status),
        INDEX idx_operation_owner (owner),
        INDEX idx_operation_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 operation_states 表失败")
	}
	return nil
}

// Create 插入新的操作记录。
func (s *MySQLStore) Create(ctx context.Context, op *Operation) error {
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	if strings.TrimSpace(op.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}

	now := time.Now().Unix()
	op.CreatedAt = now
	op.UpdatedAt = now

	requestValue, err := marshalRequest(op.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码操作请求失败")
	}

	const stmt = `INSERT INTO operation_states
        (id, kind, owner, request, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		op.ID,
		op.Kind,
		op.Owner,
		requestValue,
		op.Status,
		op.Attempts,
		op.MaxRetries,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrOperationConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入操作失败")
	}
	return nil
}

const selectColumns = `id, kind, owner, request, status, attempts, max_retries, last_error, error_code,
        result_outcome, result_verdict, result_bundle_id, result_signatures, result_landed_steps,
        result_funds_moved, result_recovery_hint, created_at, updated_at`

// Get 查询指定操作。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM operation_states WHERE id = ?`, id)
	op, err := scanOperation(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return op, nil
}

// Claim 将操作标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Operation, error) {
	const updateStmt = `UPDATE operation_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新操作状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		op, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch op.Status {
		case StatusSucceeded:
			return op, ErrOperationCompleted
		case StatusRunning:
			return op, ErrOperationConflict
		default:
			if op.Attempts >= op.MaxRetries {
				return op, ErrOperationExhausted
			}
			return op, ErrOperationConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 将操作标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, record ExecutionRecord) error {
	const stmt = `UPDATE operation_states SET status = ?, result_outcome = ?, result_verdict = ?, result_bundle_id = ?,
        result_signatures = ?, result_landed_steps = ?, result_funds_moved = ?, result_recovery_hint = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		record.Outcome,
		record.Verdict,
		record.BundleID,
		strings.Join(record.Signatures, ","),
		record.LandedSteps,
		record.FundsMoved,
		record.RecoveryHint,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记操作成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// MarkFailed 将操作标记为失败。部分落地的结果随失败状态一并保存。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, record *ExecutionRecord, _ bool) error {
	now := time.Now().Unix()
	var res sql.Result
	var err error
	if record != nil {
		const stmt = `UPDATE operation_states SET status = ?, last_error = ?, error_code = ?,
            result_outcome = ?, result_verdict = ?, result_bundle_id = ?, result_signatures = ?,
            result_landed_steps = ?, result_funds_moved = ?, result_recovery_hint = ?, updated_at = ? WHERE id = ?`
		res, err = s.db.ExecContext(ctx, stmt,
			StatusFailed,
			lastError,
			string(code),
			record.Outcome,
			record.Verdict,
			record.BundleID,
			strings.Join(record.Signatures, ","),
			record.LandedSteps,
			record.FundsMoved,
			record.RecoveryHint,
			now,
			id,
		)
	} else {
		const stmt = `UPDATE operation_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
		res, err = s.db.ExecContext(ctx, stmt,
			StatusFailed,
			lastError,
			string(code),
			now,
			id,
		)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记操作失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// List 返回符合过滤条件的操作。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Operation, error) {
	opts.applyDefaults()

	query := `SELECT ` + selectColumns + ` FROM operation_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作列表失败")
	}
	defer rows.Close()

	ops := make([]*Operation, 0, opts.Limit)
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作失败")
	}
	return ops, nil
}

// Stats 返回符合过滤条件的操作聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (OperationStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM operation_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats OperationStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return OperationStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
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

func scanOperation(scan func(dest ...any) error) (*Operation, error) {
	var op Operation
	var request sql.NullString
	var outcome, verdict, bundleID, recoveryHint sql.NullString
	var signatures sql.NullString
	var landedSteps int
	var fundsMoved bool

	if err := scan(
		&op.ID,
		&op.Kind,
		&op.Owner,
		&request,
		&op.Status,
		&op.Attempts,
		&op.MaxRetries,
		&op.LastError,
		&op.ErrorCode,
		&outcome,
		&verdict,
		&bundleID,
		&signatures,
		&landedSteps,
		&fundsMoved,
		&recoveryHint,
		&op.CreatedAt,
		&op.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作记录失败")
	}

	decoded, err := unmarshalRequest(request)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作请求失败")
	}
	op.Request = decoded

	record := ExecutionRecord{
		Outcome:      outcome.String,
		Verdict:      verdict.String,
		BundleID:     bundleID.String,
		LandedSteps:  landedSteps,
		FundsMoved:   fundsMoved,
		RecoveryHint: recoveryHint.String,
	}
	if signatures.Valid && signatures.String != "" {
		record.Signatures = strings.Split(signatures.String, ",")
	}
	if record.Outcome != "" || record.Verdict != "" || record.BundleID != "" || len(record.Signatures) > 0 || record.LandedSteps > 0 {
		op.Result = &record
	}
	return &op, nil
}

func marshalRequest(request Request) (sql.NullString, error) {
	bytes, err := json.Marshal(request)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalRequest(raw sql.NullString) (Request, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return Request{}, nil
	}
	var request Request
	if err := json.Unmarshal([]byte(raw.String), &request); err != nil {
		return Request{}, err
	}
	return request, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, 0, len(opts.Kinds))
		for range opts.Kinds {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
		for _, kind := range opts.Kinds {
			args = append(args, kind)
		}
	}
	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR request LIKE ? OR last_error LIKE ? OR result_signatures LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
