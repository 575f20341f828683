package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
)

const ruleColumns = `id, name, cron_expression, status, task, last_executed_at, next_execution_at,
	execution_count, priority, tags, created_at, updated_at`

const executionColumns = `id, rule_id, rule_name, status, start_time, end_time, duration, result, error,
	matched, match_count, execution_type, trigger_info, is_read, created_at, updated_at`

// SQLiteStore implements ExecutionStore using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

var _ ExecutionStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the SQLite database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Timer callbacks write concurrently; a single connection serializes them.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("store"),
		db:     db,
		now:    time.Now,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			status TEXT NOT NULL,
			task TEXT NOT NULL,
			last_executed_at DATETIME,
			next_execution_at DATETIME,
			execution_count INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);

		CREATE TABLE IF NOT EXISTS execution_records (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			duration INTEGER,
			result TEXT,
			error TEXT,
			matched INTEGER NOT NULL DEFAULT 0,
			match_count INTEGER,
			execution_type TEXT NOT NULL,
			trigger_info TEXT,
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_execution_records_rule_id ON execution_records(rule_id);
		CREATE INDEX IF NOT EXISTS idx_execution_records_status ON execution_records(status);
		CREATE INDEX IF NOT EXISTS idx_execution_records_created_at ON execution_records(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRule implements RuleStore.CreateRule
func (s *SQLiteStore) CreateRule(ctx context.Context, rule *model.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	task, tags, err := encodeRule(rule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.Name,
		rule.CronExpression,
		rule.Status,
		task,
		nullTime(rule.LastExecutedAt),
		nullTime(rule.NextExecutionAt),
		rule.ExecutionCount,
		rule.Priority,
		tags,
		rule.CreatedAt.UTC(),
		rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// UpdateRule implements RuleStore.UpdateRule
func (s *SQLiteStore) UpdateRule(ctx context.Context, rule *model.Rule) error {
	rule.UpdatedAt = s.now().UTC()

	task, tags, err := encodeRule(rule)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE rules SET
			name = ?,
			cron_expression = ?,
			status = ?,
			task = ?,
			last_executed_at = ?,
			next_execution_at = ?,
			execution_count = ?,
			priority = ?,
			tags = ?,
			updated_at = ?
		WHERE id = ?`,
		rule.Name,
		rule.CronExpression,
		rule.Status,
		task,
		nullTime(rule.LastExecutedAt),
		nullTime(rule.NextExecutionAt),
		rule.ExecutionCount,
		rule.Priority,
		tags,
		rule.UpdatedAt,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return expectAffected(result, fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID))
}

// GetRule implements RuleStore.GetRule
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		return nil, err
	}
	return rule, nil
}

// DeleteRule implements RuleStore.DeleteRule
func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return expectAffected(result, fmt.Errorf("%w: %s", ErrRuleNotFound, id))
}

// ListRules implements RuleStore.ListRules
func (s *SQLiteStore) ListRules(ctx context.Context) ([]*model.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority DESC, created_at ASC`)
}

// ListActiveRules implements RuleStore.ListActiveRules
func (s *SQLiteStore) ListActiveRules(ctx context.Context) ([]*model.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE status = ? ORDER BY priority DESC, created_at ASC`,
		model.RuleStatusActive)
}

// UpdateRuleNextExecution implements RuleStore.UpdateRuleNextExecution
func (s *SQLiteStore) UpdateRuleNextExecution(ctx context.Context, id string, next time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE rules SET next_execution_at = ?, updated_at = ? WHERE id = ?`,
		next.UTC(), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update next execution: %w", err)
	}
	return expectAffected(result, fmt.Errorf("%w: %s", ErrRuleNotFound, id))
}

// ScheduleFingerprint implements RuleStore.ScheduleFingerprint
func (s *SQLiteStore) ScheduleFingerprint(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, cron_expression FROM rules ORDER BY id`)
	if err != nil {
		return "", fmt.Errorf("failed to read rule schedules: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var id, status, expr string
		if err := rows.Scan(&id, &status, &expr); err != nil {
			return "", fmt.Errorf("failed to scan rule schedule: %w", err)
		}
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", id, status, expr)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read rule schedules: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

// CreateExecutionRecord implements ExecutionRecordStore.CreateExecutionRecord
func (s *SQLiteStore) CreateExecutionRecord(ctx context.Context, record *model.ExecutionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Status == "" {
		record.Status = model.ExecutionStatusPending
	}
	now := s.now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	result, triggerInfo, err := encodeExecution(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_records (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RuleID,
		record.RuleName,
		record.Status,
		nullTime(record.StartTime),
		nullTime(record.EndTime),
		int64(record.Duration),
		result,
		nullString(record.Error),
		record.Matched,
		nullInt(record.MatchCount),
		record.ExecutionType,
		triggerInfo,
		record.IsRead,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution record: %w", err)
	}
	return nil
}

// UpdateExecutionRecord implements ExecutionRecordStore.UpdateExecutionRecord
func (s *SQLiteStore) UpdateExecutionRecord(ctx context.Context, record *model.ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.updateExecutionTx(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution update: %w", err)
	}
	return nil
}

// CompleteExecution implements ExecutionRecordStore.CompleteExecution
func (s *SQLiteStore) CompleteExecution(ctx context.Context, record *model.ExecutionRecord, executedAt time.Time) error {
	if record.Status != model.ExecutionStatusCompleted {
		return fmt.Errorf("%w: complete called with status %s", ErrInvalidTransition, record.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.updateExecutionTx(ctx, tx, record); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE rules SET
			execution_count = execution_count + 1,
			last_executed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		executedAt.UTC(), s.now().UTC(), record.RuleID)
	if err != nil {
		return fmt.Errorf("failed to update rule execution stats: %w", err)
	}
	if err := expectAffected(result, fmt.Errorf("%w: %s", ErrRuleNotFound, record.RuleID)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution completion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) updateExecutionTx(ctx context.Context, tx *sql.Tx, record *model.ExecutionRecord) error {
	var current model.ExecutionStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM execution_records WHERE id = ?`, record.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrExecutionNotFound, record.ID)
		}
		return fmt.Errorf("failed to read execution status: %w", err)
	}

	if current.IsTerminal() || (current != record.Status && !model.CanTransition(current, record.Status)) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, record.Status)
	}

	result, triggerInfo, err := encodeExecution(record)
	if err != nil {
		return err
	}
	record.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE execution_records SET
			status = ?,
			start_time = ?,
			end_time = ?,
			duration = ?,
			result = ?,
			error = ?,
			matched = ?,
			match_count = ?,
			trigger_info = ?,
			updated_at = ?
		WHERE id = ?`,
		record.Status,
		nullTime(record.StartTime),
		nullTime(record.EndTime),
		int64(record.Duration),
		result,
		nullString(record.Error),
		record.Matched,
		nullInt(record.MatchCount),
		triggerInfo,
		record.UpdatedAt,
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution record: %w", err)
	}
	return nil
}

// GetExecutionRecord implements ExecutionRecordStore.GetExecutionRecord
func (s *SQLiteStore) GetExecutionRecord(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_records WHERE id = ?`, id)
	record, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return record, nil
}

// ListExecutions implements ExecutionRecordStore.ListExecutions
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter model.ExecutionFilter) ([]*model.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_records`
	var conditions []string
	args := make([]interface{}, 0)

	if filter.RuleID != "" {
		conditions = append(conditions, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, filter.To.UTC())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryExecutions(ctx, query, args...)
}

// GetMostRecentSuccessfulExecution implements ExecutionRecordStore.GetMostRecentSuccessfulExecution
func (s *SQLiteStore) GetMostRecentSuccessfulExecution(ctx context.Context, ruleID, excludeID string) (*model.ExecutionRecord, error) {
	records, err := s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM execution_records
		WHERE rule_id = ? AND status = ? AND id != ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		ruleID, model.ExecutionStatusCompleted, excludeID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// GetPreviousSuccessfulExecution implements ExecutionRecordStore.GetPreviousSuccessfulExecution
func (s *SQLiteStore) GetPreviousSuccessfulExecution(ctx context.Context, executionID string) (*model.ExecutionRecord, error) {
	records, err := s.queryExecutions(ctx, `
		WITH ref AS (
			SELECT rule_id AS ref_rule_id, created_at AS ref_created_at, rowid AS ref_rowid
			FROM execution_records WHERE id = ?
		)
		SELECT `+executionColumns+` FROM execution_records, ref
		WHERE rule_id = ref_rule_id AND status = ? AND id != ?
			AND (created_at < ref_created_at
				OR (created_at = ref_created_at AND execution_records.rowid < ref_rowid))
		ORDER BY created_at DESC, execution_records.rowid DESC
		LIMIT 1`,
		executionID, model.ExecutionStatusCompleted, executionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// GetUnreadCountByRule implements ExecutionRecordStore.GetUnreadCountByRule
func (s *SQLiteStore) GetUnreadCountByRule(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, COUNT(*) FROM execution_records
		WHERE is_read = 0 AND status = ?
		GROUP BY rule_id`, model.ExecutionStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ruleID string
		var count int
		if err := rows.Scan(&ruleID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts[ruleID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// MarkRead implements ExecutionRecordStore.MarkRead
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	return s.setRead(ctx, id, true)
}

// MarkUnread implements ExecutionRecordStore.MarkUnread
func (s *SQLiteStore) MarkUnread(ctx context.Context, id string) error {
	return s.setRead(ctx, id, false)
}

func (s *SQLiteStore) setRead(ctx context.Context, id string, read bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE execution_records SET is_read = ?, updated_at = ? WHERE id = ?`,
		read, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update read flag: %w", err)
	}
	return expectAffected(result, fmt.Errorf("%w: %s", ErrExecutionNotFound, id))
}

// DeleteExecutionsBefore implements ExecutionRecordStore.DeleteExecutionsBefore
func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_records WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var records []*model.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row scanner) (*model.Rule, error) {
	var rule model.Rule
	var task string
	var tags sql.NullString
	var lastExecutedAt, nextExecutionAt sql.NullTime

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.CronExpression,
		&rule.Status,
		&task,
		&lastExecutedAt,
		&nextExecutionAt,
		&rule.ExecutionCount,
		&rule.Priority,
		&tags,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	if err := json.Unmarshal([]byte(task), &rule.Task); err != nil {
		return nil, fmt.Errorf("failed to decode rule task: %w", err)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rule.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode rule tags: %w", err)
		}
	}
	rule.LastExecutedAt = timePtr(lastExecutedAt)
	rule.NextExecutionAt = timePtr(nextExecutionAt)

	return &rule, nil
}

func scanExecution(row scanner) (*model.ExecutionRecord, error) {
	var record model.ExecutionRecord
	var startTime, endTime sql.NullTime
	var durationNanos, matchCount sql.NullInt64
	var result, errorStr, triggerInfo sql.NullString

	err := row.Scan(
		&record.ID,
		&record.RuleID,
		&record.RuleName,
		&record.Status,
		&startTime,
		&endTime,
		&durationNanos,
		&result,
		&errorStr,
		&record.Matched,
		&matchCount,
		&record.ExecutionType,
		&triggerInfo,
		&record.IsRead,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution record: %w", err)
	}

	record.StartTime = timePtr(startTime)
	record.EndTime = timePtr(endTime)
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	if errorStr.Valid {
		record.Error = errorStr.String
	}
	if matchCount.Valid {
		n := int(matchCount.Int64)
		record.MatchCount = &n
	}
	if result.Valid && result.String != "" {
		record.Result = &model.Result{}
		if err := json.Unmarshal([]byte(result.String), record.Result); err != nil {
			return nil, fmt.Errorf("failed to decode execution result: %w", err)
		}
	}
	if triggerInfo.Valid && triggerInfo.String != "" {
		record.TriggerInfo = &model.TriggerInfo{}
		if err := json.Unmarshal([]byte(triggerInfo.String), record.TriggerInfo); err != nil {
			return nil, fmt.Errorf("failed to decode trigger info: %w", err)
		}
	}

	return &record, nil
}

func encodeRule(rule *model.Rule) (string, sql.NullString, error) {
	task, err := json.Marshal(rule.Task)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode rule task: %w", err)
	}
	var tags sql.NullString
	if len(rule.Tags) > 0 {
		data, err := json.Marshal(rule.Tags)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to encode rule tags: %w", err)
		}
		tags = sql.NullString{String: string(data), Valid: true}
	}
	return string(task), tags, nil
}

func encodeExecution(record *model.ExecutionRecord) (sql.NullString, sql.NullString, error) {
	var result, triggerInfo sql.NullString
	if record.Result != nil {
		data, err := json.Marshal(record.Result)
		if err != nil {
			return result, triggerInfo, fmt.Errorf("failed to encode execution result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	if record.TriggerInfo != nil {
		data, err := json.Marshal(record.TriggerInfo)
		if err != nil {
			return result, triggerInfo, fmt.Errorf("failed to encode trigger info: %w", err)
		}
		triggerInfo = sql.NullString{String: string(data), Valid: true}
	}
	return result, triggerInfo, nil
}

func expectAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
