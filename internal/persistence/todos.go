package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/todo-agent/internal/audit"
	"github.com/basket/todo-agent/internal/bus"
	"github.com/basket/todo-agent/internal/shared"
)

// DateLayout is the textual form of due dates, always UTC.
const DateLayout = "2006-01-02 15:04:05"

// Task is the persisted todo record.
type Task struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	IsDone  bool      `json:"is_done"`
	DueDate time.Time `json:"due_date"`
}

// NewTask describes a task to insert. A nil DueDate means "now".
type NewTask struct {
	Name    string
	IsDone  bool
	DueDate *time.Time
}

// TaskUpdate carries the subset of fields to change. Nil fields are left alone.
type TaskUpdate struct {
	Name    *string
	IsDone  *bool
	DueDate *time.Time
}

func (u TaskUpdate) empty() bool {
	return u.Name == nil && u.IsDone == nil && u.DueDate == nil
}

// normalizeTime drops sub-second precision and zone so values round-trip
// identically through both backends.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func (s *Store) dueOrNow(due *time.Time) time.Time {
	if due == nil {
		return normalizeTime(s.now())
	}
	return normalizeTime(*due)
}

func (s *Store) publish(ctx context.Context, op bus.Op, ids ...int64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Change{Op: op, IDs: ids, TraceID: shared.TraceID(ctx), Channel: shared.Channel(ctx)})
}

// Insert creates one task and returns its id.
func (s *Store) Insert(ctx context.Context, t NewTask) (int64, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return 0, ErrEmptyName
	}
	var id int64
	err := s.withBusyRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, s.rebind(`
			INSERT INTO todo (name, is_done, due_date)
			VALUES (?, ?, ?)
			RETURNING id;
		`), name, t.IsDone, s.dueOrNow(t.DueDate)).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	s.publish(ctx, bus.OpCreated, id)
	return id, nil
}

// InsertBatch creates every task in one transaction: all rows or none.
func (s *Store) InsertBatch(ctx context.Context, tasks []NewTask) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	for i, t := range tasks {
		if strings.TrimSpace(t.Name) == "" {
			return 0, fmt.Errorf("insert batch item %d: %w", i, ErrEmptyName)
		}
	}

	var ids []int64
	err := s.withBusyRetry(ctx, func() error {
		ids = ids[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO todo (name, is_done, due_date)
			VALUES (?, ?, ?)
			RETURNING id;
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range tasks {
			var id int64
			if err := stmt.QueryRowContext(ctx, strings.TrimSpace(t.Name), t.IsDone, s.dueOrNow(t.DueDate)).Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	s.publish(ctx, bus.OpCreated, ids...)
	return len(ids), nil
}

func scanTask(scanFn func(dest ...any) error, t *Task, extra ...any) error {
	dest := append([]any{&t.ID, &t.Name, &t.IsDone, &t.DueDate}, extra...)
	if err := scanFn(dest...); err != nil {
		return err
	}
	t.DueDate = normalizeTime(t.DueDate)
	return nil
}

// ListAll returns every task ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, is_done, due_date FROM todo ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// escapeLike quotes LIKE metacharacters so user text matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// FindByNameSubstring returns the lowest-id task whose name contains pattern,
// case-insensitively, plus the number of tasks that matched. It returns a nil
// task when nothing matches. Callers decide what an empty pattern means; here
// it matches every task.
func (s *Store) FindByNameSubstring(ctx context.Context, pattern string) (*Task, int, error) {
	var (
		t          Task
		candidates int
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, is_done, due_date, COUNT(*) OVER ()
		FROM todo
		WHERE LOWER(name) LIKE LOWER(?) ESCAPE '\'
		ORDER BY id
		LIMIT 1;
	`), "%"+escapeLike(pattern)+"%").Scan(&t.ID, &t.Name, &t.IsDone, &t.DueDate, &candidates)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("find task by name: %w", err)
	}
	t.DueDate = normalizeTime(t.DueDate)
	return &t, candidates, nil
}

// Get returns the task with the given id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, is_done, due_date FROM todo WHERE id = ?;`), id).Scan, &t)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// UpdateFields changes the non-nil fields of task id in one statement.
func (s *Store) UpdateFields(ctx context.Context, id int64, u TaskUpdate) error {
	if u.empty() {
		return ErrNoFields
	}
	var (
		sets []string
		args []any
	)
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return ErrEmptyName
		}
		sets = append(sets, "name = ?")
		args = append(args, name)
	}
	if u.IsDone != nil {
		sets = append(sets, "is_done = ?")
		args = append(args, *u.IsDone)
	}
	if u.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, normalizeTime(*u.DueDate))
	}
	args = append(args, id)
	query := s.rebind("UPDATE todo SET " + strings.Join(sets, ", ") + " WHERE id = ?;")

	var affected int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.publish(ctx, bus.OpUpdated, id)
	return nil
}

// Delete removes task id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	var affected int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM todo WHERE id = ?;`), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.publish(ctx, bus.OpDeleted, id)
	return nil
}

// AppendAudit writes one audit entry to the audit_log table.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_log (trace_id, decision, action, reason, subject)
		VALUES (?, ?, ?, ?, ?);
	`), e.TraceID, e.Decision, e.Action, e.Reason, e.Subject)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditCount returns the number of audit_log rows with the given decision.
func (s *Store) AuditCount(ctx context.Context, decision string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM audit_log WHERE decision = ?;`), decision).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
