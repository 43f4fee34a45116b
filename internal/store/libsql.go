package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"go.uber.org/multierr"

	"github.com/google/uuid"

	"github.com/rendis/casework/pkg/schema"
)

// LibSQLStore implements the Repository interface using libSQL (embedded SQLite fork).
// Aggregates are stored as JSON documents next to the columns used for filtering.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Repository.
// The path should be a file URI, e.g. "file:/path/to/casework.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Instances ---

func (s *LibSQLStore) InsertInstance(ctx context.Context, inst *schema.ProcessInstance, sub *schema.Submission) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return storeError("marshal instance", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (process_instance_id, process_definition_key, deployment_id, engine_instance_id, process_status, initiator_id, deleted, archived, version, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ProcessInstanceID, inst.ProcessDefinitionKey, inst.DeploymentID, nullStr(inst.EngineProcessInstanceID),
		string(inst.ProcessStatus), nullStr(inst.InitiatorID), boolInt(inst.Deleted), boolInt(inst.Archived),
		inst.Version, string(doc), timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt),
	)
	if err != nil {
		return storeError("insert instance", err)
	}
	if err := insertOperations(ctx, tx, inst); err != nil {
		return err
	}
	if err := insertSubmission(ctx, tx, sub); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit instance", err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.ProcessInstance, error) {
	var doc string
	var version int64
	var deleted int
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version, deleted, created_at FROM instances WHERE process_instance_id = ?`, id,
	).Scan(&doc, &version, &deleted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) || deleted != 0 {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, storeError("get instance", err)
	}
	return decodeInstance(doc, version, createdAt)
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, next *schema.ProcessInstance, expectedVersion int64, sub *schema.Submission) error {
	cp := next.Clone()
	cp.Version = expectedVersion + 1
	doc, err := json.Marshal(cp)
	if err != nil {
		return storeError("marshal instance", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET engine_instance_id = ?, process_status = ?, archived = ?, version = ?, document = ?, updated_at = ?
		 WHERE process_instance_id = ? AND version = ? AND deleted = 0`,
		nullStr(cp.EngineProcessInstanceID), string(cp.ProcessStatus), boolInt(cp.Archived), cp.Version, string(doc),
		timeOrNow(cp.UpdatedAt), cp.ProcessInstanceID, expectedVersion,
	)
	if err != nil {
		return storeError("update instance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("update instance", err)
	}
	if n == 0 {
		var stored int64
		var deleted int
		err := tx.QueryRowContext(ctx,
			`SELECT version, deleted FROM instances WHERE process_instance_id = ?`, cp.ProcessInstanceID,
		).Scan(&stored, &deleted)
		if errors.Is(err, sql.ErrNoRows) || deleted != 0 {
			return instanceNotFound(cp.ProcessInstanceID)
		}
		if err != nil {
			return storeError("read instance version", err)
		}
		return staleInstance(cp.ProcessInstanceID, expectedVersion, stored)
	}

	if err := insertOperations(ctx, tx, cp); err != nil {
		return err
	}
	if err := insertSubmission(ctx, tx, sub); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit instance", err)
	}
	return nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.ProcessInstance, error) {
	where := []string{"deleted = 0"}
	var args []any

	if !filter.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if filter.ProcessDefinitionKey != "" {
		where = append(where, "process_definition_key = ?")
		args = append(args, filter.ProcessDefinitionKey)
	}
	if filter.Status != nil {
		where = append(where, "process_status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.MissingEngineID {
		where = append(where, "process_status = ?", "(engine_instance_id IS NULL OR engine_instance_id = '')")
		args = append(args, string(schema.ProcessStatusOpen))
	}

	query := "SELECT document, version, created_at FROM instances WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at ASC, process_instance_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list instances", err)
	}
	defer rows.Close()

	var out []*schema.ProcessInstance
	for rows.Next() {
		var doc string
		var version int64
		var createdAt time.Time
		if err := rows.Scan(&doc, &version, &createdAt); err != nil {
			return nil, storeError("scan instance", err)
		}
		inst, err := decodeInstance(doc, version, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListSubmissions(ctx context.Context, id string) ([]*schema.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM submissions WHERE process_instance_id = ? ORDER BY submission_date ASC, rowid ASC`, id)
	if err != nil {
		return nil, storeError("list submissions", err)
	}
	defer rows.Close()

	var out []*schema.Submission
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storeError("scan submission", err)
		}
		sub := &schema.Submission{}
		if err := json.Unmarshal([]byte(doc), sub); err != nil {
			return nil, storeError("unmarshal submission", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func insertOperations(ctx context.Context, tx *sql.Tx, inst *schema.ProcessInstance) error {
	for _, op := range inst.Operations {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO operations (operation_id, process_instance_id, operation_type, reason, acting_user_id, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			op.ID, inst.ProcessInstanceID, string(op.Type), nullStr(op.Reason), nullStr(op.ActingUserID), timeOrNow(op.Timestamp),
		)
		if err != nil {
			return storeError("insert operation", err)
		}
	}
	return nil
}

func insertSubmission(ctx context.Context, tx *sql.Tx, sub *schema.Submission) error {
	if sub == nil {
		return nil
	}
	doc, err := json.Marshal(sub)
	if err != nil {
		return storeError("marshal submission", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO submissions (submission_id, process_instance_id, process_definition_key, task_id, action_type, submitter_id, submission_date, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ProcessInstanceID, sub.ProcessDefinitionKey, nullStr(sub.TaskID), string(sub.ActionType),
		nullStr(sub.SubmitterID), timeOrNow(sub.SubmissionDate), string(doc),
	)
	if err != nil {
		return storeError("insert submission", err)
	}
	return nil
}

// decodeInstance trusts the version and created_at columns over the document.
func decodeInstance(doc string, version int64, createdAt time.Time) (*schema.ProcessInstance, error) {
	inst := &schema.ProcessInstance{}
	if err := json.Unmarshal([]byte(doc), inst); err != nil {
		return nil, storeError("unmarshal instance", err)
	}
	inst.Version = version
	inst.CreatedAt = createdAt.UTC()
	return inst, nil
}

// --- Processes & deployments ---

func (s *LibSQLStore) GetProcess(ctx context.Context, key string) (*schema.Process, error) {
	var doc string
	var deleted int
	err := s.db.QueryRowContext(ctx,
		`SELECT document, deleted FROM processes WHERE process_definition_key = ?`, key,
	).Scan(&doc, &deleted)
	if errors.Is(err, sql.ErrNoRows) || deleted != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeProcessNotFound, "process %q not found", key)
	}
	if err != nil {
		return nil, storeError("get process", err)
	}
	p := &schema.Process{}
	if err := json.Unmarshal([]byte(doc), p); err != nil {
		return nil, storeError("unmarshal process", err)
	}
	return p, nil
}

func (s *LibSQLStore) ListProcesses(ctx context.Context) ([]*schema.Process, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM processes WHERE deleted = 0 ORDER BY process_definition_key`)
	if err != nil {
		return nil, storeError("list processes", err)
	}
	defer rows.Close()

	var out []*schema.Process
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storeError("scan process", err)
		}
		p := &schema.Process{}
		if err := json.Unmarshal([]byte(doc), p); err != nil {
			return nil, storeError("unmarshal process", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SaveProcess(ctx context.Context, p *schema.Process) error {
	if p == nil || p.ProcessDefinitionKey == "" {
		return schema.NewError(schema.ErrCodeMissingDefinitionKey, "process definition key is required")
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return storeError("marshal process", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (process_definition_key, document, deleted, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(process_definition_key) DO UPDATE SET document=excluded.document, deleted=excluded.deleted, updated_at=excluded.updated_at`,
		p.ProcessDefinitionKey, string(doc), boolInt(p.Deleted), time.Now().UTC(),
	)
	if err != nil {
		return storeError("save process", err)
	}
	return nil
}

func (s *LibSQLStore) GetDeployment(ctx context.Context, id string) (*schema.Deployment, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM deployments WHERE deployment_id = ?`, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeDeploymentNotFound, "deployment %q not found", id)
	}
	if err != nil {
		return nil, storeError("get deployment", err)
	}
	d := &schema.Deployment{}
	if err := json.Unmarshal([]byte(doc), d); err != nil {
		return nil, storeError("unmarshal deployment", err)
	}
	if d.Activities, err = s.listActivities(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *LibSQLStore) ListDeployments(ctx context.Context, processKey string) ([]*schema.Deployment, error) {
	query := `SELECT deployment_id FROM deployments`
	var args []any
	if processKey != "" {
		query += ` WHERE process_definition_key = ?`
		args = append(args, processKey)
	}
	query += ` ORDER BY deployment_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list deployments", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeError("scan deployment", err)
		}
		ids = append(ids, id)
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return nil, storeError("list deployments", err)
	}

	// One connection: the id cursor is closed before the per-deployment reads.
	out := make([]*schema.Deployment, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *LibSQLStore) SaveDeployment(ctx context.Context, d *schema.Deployment) error {
	if d == nil || d.DeploymentID == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "deployment id is required")
	}
	cp := *d
	cp.Activities = nil
	doc, err := json.Marshal(&cp)
	if err != nil {
		return storeError("marshal deployment", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (deployment_id, process_definition_key, document, deployed, published, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(deployment_id) DO UPDATE SET process_definition_key=excluded.process_definition_key, document=excluded.document,
		   deployed=excluded.deployed, published=excluded.published, updated_at=excluded.updated_at`,
		d.DeploymentID, d.ProcessDefinitionKey, string(doc), boolInt(d.Deployed), boolInt(d.Published), time.Now().UTC(),
	)
	if err != nil {
		return storeError("save deployment", err)
	}
	return nil
}

func (s *LibSQLStore) SaveActivities(ctx context.Context, deploymentID string, activities []schema.Activity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deployments WHERE deployment_id = ?`, deploymentID).Scan(&exists); err != nil {
		return storeError("check deployment", err)
	}
	if exists == 0 {
		return schema.NewErrorf(schema.ErrCodeDeploymentNotFound, "deployment %q not found", deploymentID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE deployment_id = ?`, deploymentID); err != nil {
		return storeError("clear activities", err)
	}
	for i, a := range activities {
		doc, err := json.Marshal(a)
		if err != nil {
			return storeError("marshal activity", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO activities (deployment_id, activity_key, position, document) VALUES (?, ?, ?, ?)`,
			deploymentID, a.Key, i, string(doc)); err != nil {
			return storeError("insert activity", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit activities", err)
	}
	return nil
}

func (s *LibSQLStore) listActivities(ctx context.Context, deploymentID string) ([]schema.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM activities WHERE deployment_id = ? ORDER BY position`, deploymentID)
	if err != nil {
		return nil, storeError("list activities", err)
	}
	defer rows.Close()

	var out []schema.Activity
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storeError("scan activity", err)
		}
		var a schema.Activity
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, storeError("unmarshal activity", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Command audit ---

// AppendCommandEvent assigns the next sequence of the event's stream inside
// the insert transaction, so sequences stay gap-free per stream.
func (s *LibSQLStore) AppendCommandEvent(ctx context.Context, event *schema.CommandEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	pc, err := json.Marshal(event.Context)
	if err != nil {
		return storeError("marshal provider context", err)
	}
	key := event.Context.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM command_events WHERE stream_key = ?`, key,
	).Scan(&seq); err != nil {
		return storeError("get next sequence", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO command_events (event_id, stream_key, sequence, command, description, context, completed, error_code, timestamp, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, key, seq, event.Command, nullStr(event.Description), string(pc), boolInt(event.Completed),
		nullStr(event.ErrorCode), event.Timestamp, event.DurationMs,
	)
	if err != nil {
		return storeError("insert command event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit command event", err)
	}
	event.Sequence = seq
	return nil
}

func (s *LibSQLStore) ListCommandEvents(ctx context.Context, filter AuditFilter) ([]*schema.CommandEvent, error) {
	where := []string{"sequence > ?"}
	args := []any{filter.Since}
	if filter.Key != "" {
		where = append(where, "stream_key = ?")
		args = append(args, filter.Key)
	}
	query := `SELECT event_id, sequence, command, description, context, completed, error_code, timestamp, duration_ms
		FROM command_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY rowid ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list command events", err)
	}
	defer rows.Close()

	var out []*schema.CommandEvent
	for rows.Next() {
		e := &schema.CommandEvent{}
		var desc, code sql.NullString
		var pc string
		var completed int
		if err := rows.Scan(&e.ID, &e.Sequence, &e.Command, &desc, &pc, &completed, &code, &e.Timestamp, &e.DurationMs); err != nil {
			return nil, storeError("scan command event", err)
		}
		if err := json.Unmarshal([]byte(pc), &e.Context); err != nil {
			return nil, storeError("unmarshal provider context", err)
		}
		e.Description = desc.String
		e.ErrorCode = code.String
		e.Completed = completed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeError(op string, err error) *schema.CaseError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Repository = (*LibSQLStore)(nil)
