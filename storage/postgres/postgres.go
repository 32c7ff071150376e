// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Ownership is enforced in the schema: tasks reference statuses and
// priorities through (user_id, id) composite foreign keys, so a task can
// never point at another user's status. Cascading deletes are left to the
// ON DELETE CASCADE clauses.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/storage/postgres/migrations"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, applies
// pending migrations, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return NewRepository(pool), nil
}

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// Migrate applies every pending embedded migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// constraintFields maps unique constraints to the field reported in
// storage.ConflictError.
var constraintFields = map[string]string{
	"users_visibility_name_key": storage.FieldUsername,
	"users_email_key":           storage.FieldEmail,
	"statuses_user_title_key":   storage.FieldTitle,
	"priorities_user_title_key": storage.FieldTitle,
}

// mapError translates driver errors into storage sentinels.
func mapError(kind string, id int64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", kind, id, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if field, ok := constraintFields[pgErr.ConstraintName]; ok {
				return &storage.ConflictError{Field: field}
			}
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, storage.ErrConflict)
		case "23503":
			return fmt.Errorf("%s references: %w", kind, storage.ErrNotFound)
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, visibility_name, email, password_hash, user_approved, two_factor_auth, date_created, date_modified`

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Approved, &u.TwoFactorEnabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateAccount(ctx context.Context, u *storage.User, defaults storage.AccountDefaults) (*storage.User, error) {
	var created *storage.User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = scanUser(tx.QueryRow(ctx,
			`INSERT INTO users (visibility_name, email, password_hash, user_approved, two_factor_auth)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+userColumns,
			u.Username, u.Email, u.PasswordHash, u.Approved, u.TwoFactorEnabled))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO statuses (user_id, title, default_status) VALUES ($1, $2, TRUE)`,
			created.ID, defaults.StatusTitle); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO priorities (user_id, title) VALUES ($1, $2)`,
			created.ID, defaults.PriorityTitle)
		return err
	})
	if err != nil {
		return nil, mapError("user", 0, err)
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, mapError("user", id, err)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE visibility_name = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
	}
	return u, mapError("user", 0, err)
}

func (s *Store) UpdateUser(ctx context.Context, id int64, upd storage.UserUpdate) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET
		   visibility_name = COALESCE($2, visibility_name),
		   email           = COALESCE($3, email),
		   password_hash   = COALESCE($4, password_hash),
		   two_factor_auth = COALESCE($5, two_factor_auth),
		   date_modified   = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, upd.Username, upd.Email, upd.PasswordHash, upd.TwoFactorEnabled))
	if err != nil {
		return nil, mapError("user", id, err)
	}
	return u, nil
}

func (s *Store) ApproveUser(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET user_approved = TRUE, date_modified = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Statuses
// ---------------------------------------------------------------------------

func (s *Store) CreateStatus(ctx context.Context, st *storage.Status) (*storage.Status, error) {
	created := *st
	err := s.pool.QueryRow(ctx,
		`INSERT INTO statuses (user_id, title, default_status) VALUES ($1, $2, $3) RETURNING id`,
		st.UserID, st.Title, st.Default).Scan(&created.ID)
	if err != nil {
		return nil, mapError("status", 0, err)
	}
	return &created, nil
}

func (s *Store) GetStatus(ctx context.Context, userID, id int64) (*storage.Status, error) {
	st := storage.Status{ID: id, UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT title, default_status FROM statuses WHERE user_id = $1 AND id = $2`,
		userID, id).Scan(&st.Title, &st.Default)
	if err != nil {
		return nil, mapError("status", id, err)
	}
	return &st, nil
}

func (s *Store) ListStatuses(ctx context.Context, userID int64) ([]storage.Status, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, default_status FROM statuses WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.Status{}
	for rows.Next() {
		var st storage.Status
		if err := rows.Scan(&st.ID, &st.UserID, &st.Title, &st.Default); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) RenameStatus(ctx context.Context, userID, id int64, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE statuses SET title = $3 WHERE user_id = $1 AND id = $2`, userID, id, title)
	if err != nil {
		return mapError("status", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("status %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteStatus(ctx context.Context, userID, id int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var isDefault bool
		err := tx.QueryRow(ctx,
			`SELECT default_status FROM statuses WHERE user_id = $1 AND id = $2 FOR UPDATE`,
			userID, id).Scan(&isDefault)
		if err != nil {
			return mapError("status", id, err)
		}
		if isDefault {
			return storage.ErrDefaultStatus
		}
		_, err = tx.Exec(ctx, `DELETE FROM statuses WHERE user_id = $1 AND id = $2`, userID, id)
		return err
	})
}

// ---------------------------------------------------------------------------
// Priorities
// ---------------------------------------------------------------------------

func (s *Store) CreatePriority(ctx context.Context, p *storage.Priority) (*storage.Priority, error) {
	created := *p
	err := s.pool.QueryRow(ctx,
		`INSERT INTO priorities (user_id, title) VALUES ($1, $2) RETURNING id`,
		p.UserID, p.Title).Scan(&created.ID)
	if err != nil {
		return nil, mapError("priority", 0, err)
	}
	return &created, nil
}

func (s *Store) GetPriority(ctx context.Context, userID, id int64) (*storage.Priority, error) {
	p := storage.Priority{ID: id, UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT title FROM priorities WHERE user_id = $1 AND id = $2`, userID, id).Scan(&p.Title)
	if err != nil {
		return nil, mapError("priority", id, err)
	}
	return &p, nil
}

func (s *Store) ListPriorities(ctx context.Context, userID int64) ([]storage.Priority, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title FROM priorities WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.Priority{}
	for rows.Next() {
		var p storage.Priority
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) RenamePriority(ctx context.Context, userID, id int64, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE priorities SET title = $3 WHERE user_id = $1 AND id = $2`, userID, id, title)
	if err != nil {
		return mapError("priority", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("priority %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeletePriority(ctx context.Context, userID, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM priorities WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("priority %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

const taskColumns = `id, user_id, title, content, status_id, priority_id, estimated_end_date, date_created, date_modified`

func scanTask(row pgx.Row) (*storage.Task, error) {
	var t storage.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Content, &t.StatusID, &t.PriorityID, &t.EstimatedEnd, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]storage.Task, error) {
	defer rows.Close()
	out := []storage.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t *storage.Task) (*storage.Task, error) {
	created, err := scanTask(s.pool.QueryRow(ctx,
		`INSERT INTO tasks (user_id, title, content, status_id, priority_id, estimated_end_date)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+taskColumns,
		t.UserID, t.Title, t.Content, t.StatusID, t.PriorityID, t.EstimatedEnd))
	if err != nil {
		return nil, mapError("task", 0, err)
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, userID, id int64) (*storage.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = $1 AND id = $2`, userID, id))
	if err != nil {
		return nil, mapError("task", id, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, userID int64) ([]storage.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *Store) UpdateTask(ctx context.Context, userID, id int64, upd storage.TaskUpdate) (*storage.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`UPDATE tasks SET
		   title              = COALESCE($3, title),
		   content            = COALESCE($4, content),
		   status_id          = COALESCE($5, status_id),
		   priority_id        = COALESCE($6, priority_id),
		   estimated_end_date = COALESCE($7, estimated_end_date),
		   date_modified      = now()
		 WHERE user_id = $1 AND id = $2
		 RETURNING `+taskColumns,
		userID, id, upd.Title, upd.Content, upd.StatusID, upd.PriorityID, upd.EstimatedEnd))
	if err != nil {
		return nil, mapError("task", id, err)
	}
	return t, nil
}

func (s *Store) DeleteTask(ctx context.Context, userID, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListOverdueTasks(ctx context.Context, before time.Time) ([]storage.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE estimated_end_date IS NOT NULL AND estimated_end_date <= $1
		 ORDER BY id`, before)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}
