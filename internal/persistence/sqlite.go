package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mes-kiosk/internal/audit"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    timestamp TIMESTAMP NOT NULL,
    user TEXT,
    role TEXT NOT NULL,
    category TEXT NOT NULL,
    object_type TEXT,
    object_id TEXT,
    action TEXT NOT NULL,
    result TEXT NOT NULL,
    tenant_id TEXT,
    details TEXT,
    reason TEXT,
    compliance_flag TEXT,
    change_summary TEXT,
    ip_address TEXT,
    trace_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_object_id ON audit_entries(object_id);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
`

// SQLiteSink 将审计记录持久化到 SQLite
type SQLiteSink struct {
	db       *sql.DB
	tenantID string
}

// OpenSQLite 打开数据库并执行建表
func OpenSQLite(dbPath, tenantID string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// :memory: 库每个连接各自独立，限制为单连接
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteSink{db: db, tenantID: tenantID}, nil
}

// Close 关闭数据库连接
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// LogAction 插入一条审计记录
func (s *SQLiteSink) LogAction(ctx context.Context, rec audit.Record) audit.Result {
	e, err := audit.NewEntry(ctx, rec, s.tenantID)
	if err != nil {
		return audit.Result{Err: err}
	}

	var change sql.NullString
	if e.ChangeSummary != nil {
		data, err := json.Marshal(e.ChangeSummary)
		if err != nil {
			return audit.Result{Err: err}
		}
		change = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, user, role, category, object_type, object_id, action, result,
			tenant_id, details, reason, compliance_flag, change_summary, ip_address, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Timestamp.Format(time.RFC3339Nano),
		e.User,
		string(e.Role),
		string(e.Category),
		e.ObjectType,
		e.ObjectID,
		e.Action,
		string(e.Result),
		e.TenantID,
		e.Details,
		e.Reason,
		string(e.ComplianceFlag),
		change,
		e.IPAddress,
		e.TraceID,
	)
	if err != nil {
		return audit.Result{Err: fmt.Errorf("inserting audit entry: %w", err)}
	}
	return audit.Result{Entry: e}
}

// List 返回按写入顺序倒序排列的记录
func (s *SQLiteSink) List(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, user, role, category, object_type, object_id, action, result,
			tenant_id, details, reason, compliance_flag, change_summary, ip_address, trace_id
		FROM audit_entries ORDER BY seq DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e                              audit.Entry
			ts, role, category, result, cf string
			change                         sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.User, &role, &category, &e.ObjectType, &e.ObjectID, &e.Action, &result,
			&e.TenantID, &e.Details, &e.Reason, &cf, &change, &e.IPAddress, &e.TraceID); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp of %s: %w", e.ID, err)
		}
		e.Role = audit.Role(role)
		e.Category = audit.Category(category)
		e.Result = audit.Outcome(result)
		e.ComplianceFlag = audit.ComplianceFlag(cf)
		if change.Valid {
			var cs audit.ChangeSummary
			if err := json.Unmarshal([]byte(change.String), &cs); err != nil {
				return nil, err
			}
			e.ChangeSummary = &cs
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
