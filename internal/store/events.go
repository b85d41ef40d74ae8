package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// 按顺序执行的表结构变更，已执行的版本号记在 PRAGMA user_version。只能追加，不能修改已发布的条目。
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_session ON monitor_events(session_id);
`,
}

// 定长纳秒格式，保证按字符串排序与时间顺序一致
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// EventRecord 为事件表中的一行，Payload 为序列化后的 JSON。
type EventRecord struct {
	Type      string
	SessionID string
	Payload   []byte
	CreatedAt time.Time
}

// EventFilter 为事件查询条件，空字段不过滤。
type EventFilter struct {
	Type      string
	SessionID string
	Limit     int
}

const defaultEventLimit = 100

// SchemaVersion 返回已执行的变更数。
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return 0, fmt.Errorf("store: 读取表结构版本失败: %w", err)
	}
	return version, nil
}

// Migrate 执行尚未应用的表结构变更，每个版本在独立事务内完成。
func (s *Store) Migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for version := current; version < len(migrations); version++ {
		if err := s.applyMigration(ctx, version+1, migrations[version]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, stmt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: 执行表结构变更 %d 失败: %w", version, err)
	}
	// PRAGMA 不支持参数绑定
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: 更新表结构版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交表结构变更 %d 失败: %w", version, err)
	}
	return nil
}

// InsertEvent 追加一条事件。
func (s *Store) InsertEvent(ctx context.Context, rec EventRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, session_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		rec.Type, rec.SessionID, string(rec.Payload), rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: 写入事件失败: %w", err)
	}
	return nil
}

// QueryEvents 按条件检索事件，按写入顺序倒序。
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}

	query := `SELECT event_type, session_id, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if filter.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.Type)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询事件失败: %w", err)
	}
	defer rows.Close()

	records := make([]EventRecord, 0, limit)
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取事件失败: %w", err)
	}
	return records, nil
}

func scanEvent(rows *sql.Rows) (EventRecord, error) {
	var (
		rec     EventRecord
		payload string
		created string
	)
	if err := rows.Scan(&rec.Type, &rec.SessionID, &payload, &created); err != nil {
		return EventRecord{}, fmt.Errorf("store: 解析事件失败: %w", err)
	}
	rec.Payload = []byte(payload)
	if ts, err := time.Parse(timeLayout, created); err == nil {
		rec.CreatedAt = ts
	}
	return rec, nil
}
