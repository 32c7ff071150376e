// Package bbolt provides a BBolt-backed storage repository.
//
// Users live in a bucket keyed by their 8-byte big-endian ID with two index
// buckets for username and email. Statuses, priorities and tasks are keyed
// by userID||id so a user's records can be scanned with a prefix seek.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/taskward/storage"
)

var (
	bucketUsers      = []byte("users")
	bucketUserNames  = []byte("users_by_name")
	bucketUserEmails = []byte("users_by_email")
	bucketStatuses   = []byte("statuses")
	bucketPriorities = []byte("priorities")
	bucketTasks      = []byte("tasks")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database,
// creating its buckets if needed.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUserNames, bucketUserEmails, bucketStatuses, bucketPriorities, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func ownedKey(userID, id int64) []byte {
	return append(itob(userID), itob(id)...)
}

func nextID(b *bbolt.Bucket) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

func put(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// getOwned decodes the record under userID||id into v.
func getOwned(b *bbolt.Bucket, kind string, userID, id int64, v any) error {
	data := b.Get(ownedKey(userID, id))
	if data == nil {
		return fmt.Errorf("%s %d: %w", kind, id, storage.ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// scanOwned calls fn for every record whose key starts with userID.
func scanOwned(b *bbolt.Bucket, userID int64, fn func(k, v []byte) error) error {
	prefix := itob(userID)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// deleteOwnedWhere removes every record of userID for which match returns true.
func deleteOwnedWhere(b *bbolt.Bucket, userID int64, match func(v []byte) (bool, error)) error {
	var doomed [][]byte
	err := scanOwned(b, userID, func(k, v []byte) error {
		ok, err := match(v)
		if err != nil {
			return err
		}
		if ok {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// titleTaken reports whether userID already has a record titled title in b,
// other than self.
func titleTaken(b *bbolt.Bucket, userID, self int64, title string) (bool, error) {
	taken := false
	err := scanOwned(b, userID, func(k, v []byte) error {
		var rec struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.ID != self && rec.Title == title {
			taken = true
		}
		return nil
	})
	return taken, err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, u *storage.User, defaults storage.AccountDefaults) (*storage.User, error) {
	created := u.Clone()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		names := tx.Bucket(bucketUserNames)
		emails := tx.Bucket(bucketUserEmails)
		if names.Get([]byte(u.Username)) != nil {
			return &storage.ConflictError{Field: storage.FieldUsername}
		}
		if emails.Get([]byte(u.Email)) != nil {
			return &storage.ConflictError{Field: storage.FieldEmail}
		}

		id, err := nextID(users)
		if err != nil {
			return err
		}
		now := s.now()
		created.ID = id
		created.CreatedAt = now
		created.UpdatedAt = now
		if err := put(users, itob(id), created); err != nil {
			return err
		}
		if err := names.Put([]byte(created.Username), itob(id)); err != nil {
			return err
		}
		if err := emails.Put([]byte(created.Email), itob(id)); err != nil {
			return err
		}

		statuses := tx.Bucket(bucketStatuses)
		sid, err := nextID(statuses)
		if err != nil {
			return err
		}
		st := storage.Status{ID: sid, UserID: id, Title: defaults.StatusTitle, Default: true}
		if err := put(statuses, ownedKey(id, sid), st); err != nil {
			return err
		}

		priorities := tx.Bucket(bucketPriorities)
		pid, err := nextID(priorities)
		if err != nil {
			return err
		}
		pr := storage.Priority{ID: pid, UserID: id, Title: defaults.PriorityTitle}
		return put(priorities, ownedKey(id, pid), pr)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func getUser(tx *bbolt.Tx, id int64) (*storage.User, error) {
	data := tx.Bucket(bucketUsers).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	var u storage.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getUser(tx, id)
		return err
	})
	return u, err
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		idb := tx.Bucket(bucketUserNames).Get([]byte(username))
		if idb == nil {
			return fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
		}
		var err error
		u, err = getUser(tx, btoi(idb))
		return err
	})
	return u, err
}

func (s *Store) UpdateUser(_ context.Context, id int64, upd storage.UserUpdate) (*storage.User, error) {
	var next *storage.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getUser(tx, id)
		if err != nil {
			return err
		}
		next = cur.Clone()
		upd.ApplyTo(next)

		names := tx.Bucket(bucketUserNames)
		emails := tx.Bucket(bucketUserEmails)
		if next.Username != cur.Username {
			if names.Get([]byte(next.Username)) != nil {
				return &storage.ConflictError{Field: storage.FieldUsername}
			}
			if err := names.Delete([]byte(cur.Username)); err != nil {
				return err
			}
			if err := names.Put([]byte(next.Username), itob(id)); err != nil {
				return err
			}
		}
		if next.Email != cur.Email {
			if emails.Get([]byte(next.Email)) != nil {
				return &storage.ConflictError{Field: storage.FieldEmail}
			}
			if err := emails.Delete([]byte(cur.Email)); err != nil {
				return err
			}
			if err := emails.Put([]byte(next.Email), itob(id)); err != nil {
				return err
			}
		}
		next.UpdatedAt = s.now()
		return put(tx.Bucket(bucketUsers), itob(id), next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) ApproveUser(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		u.Approved = true
		u.UpdatedAt = s.now()
		return put(tx.Bucket(bucketUsers), itob(id), u)
	})
}

func (s *Store) DeleteUser(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Delete(itob(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUserNames).Delete([]byte(u.Username)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUserEmails).Delete([]byte(u.Email)); err != nil {
			return err
		}
		all := func([]byte) (bool, error) { return true, nil }
		for _, name := range [][]byte{bucketStatuses, bucketPriorities, bucketTasks} {
			if err := deleteOwnedWhere(tx.Bucket(name), id, all); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Statuses
// ---------------------------------------------------------------------------

func (s *Store) CreateStatus(_ context.Context, st *storage.Status) (*storage.Status, error) {
	created := *st
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getUser(tx, st.UserID); err != nil {
			return err
		}
		b := tx.Bucket(bucketStatuses)
		taken, err := titleTaken(b, st.UserID, 0, st.Title)
		if err != nil {
			return err
		}
		if taken {
			return &storage.ConflictError{Field: storage.FieldTitle}
		}
		if created.ID, err = nextID(b); err != nil {
			return err
		}
		return put(b, ownedKey(created.UserID, created.ID), created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetStatus(_ context.Context, userID, id int64) (*storage.Status, error) {
	var st storage.Status
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getOwned(tx.Bucket(bucketStatuses), "status", userID, id, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListStatuses(_ context.Context, userID int64) ([]storage.Status, error) {
	out := []storage.Status{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanOwned(tx.Bucket(bucketStatuses), userID, func(_, v []byte) error {
			var st storage.Status
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

func (s *Store) RenameStatus(_ context.Context, userID, id int64, title string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStatuses)
		var st storage.Status
		if err := getOwned(b, "status", userID, id, &st); err != nil {
			return err
		}
		taken, err := titleTaken(b, userID, id, title)
		if err != nil {
			return err
		}
		if taken {
			return &storage.ConflictError{Field: storage.FieldTitle}
		}
		st.Title = title
		return put(b, ownedKey(userID, id), st)
	})
}

func (s *Store) DeleteStatus(_ context.Context, userID, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStatuses)
		var st storage.Status
		if err := getOwned(b, "status", userID, id, &st); err != nil {
			return err
		}
		if st.Default {
			return storage.ErrDefaultStatus
		}
		if err := b.Delete(ownedKey(userID, id)); err != nil {
			return err
		}
		return deleteOwnedWhere(tx.Bucket(bucketTasks), userID, func(v []byte) (bool, error) {
			var t storage.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return false, err
			}
			return t.StatusID == id, nil
		})
	})
}

// ---------------------------------------------------------------------------
// Priorities
// ---------------------------------------------------------------------------

func (s *Store) CreatePriority(_ context.Context, p *storage.Priority) (*storage.Priority, error) {
	created := *p
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getUser(tx, p.UserID); err != nil {
			return err
		}
		b := tx.Bucket(bucketPriorities)
		taken, err := titleTaken(b, p.UserID, 0, p.Title)
		if err != nil {
			return err
		}
		if taken {
			return &storage.ConflictError{Field: storage.FieldTitle}
		}
		if created.ID, err = nextID(b); err != nil {
			return err
		}
		return put(b, ownedKey(created.UserID, created.ID), created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetPriority(_ context.Context, userID, id int64) (*storage.Priority, error) {
	var p storage.Priority
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getOwned(tx.Bucket(bucketPriorities), "priority", userID, id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPriorities(_ context.Context, userID int64) ([]storage.Priority, error) {
	out := []storage.Priority{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanOwned(tx.Bucket(bucketPriorities), userID, func(_, v []byte) error {
			var p storage.Priority
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func (s *Store) RenamePriority(_ context.Context, userID, id int64, title string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPriorities)
		var p storage.Priority
		if err := getOwned(b, "priority", userID, id, &p); err != nil {
			return err
		}
		taken, err := titleTaken(b, userID, id, title)
		if err != nil {
			return err
		}
		if taken {
			return &storage.ConflictError{Field: storage.FieldTitle}
		}
		p.Title = title
		return put(b, ownedKey(userID, id), p)
	})
}

func (s *Store) DeletePriority(_ context.Context, userID, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPriorities)
		if b.Get(ownedKey(userID, id)) == nil {
			return fmt.Errorf("priority %d: %w", id, storage.ErrNotFound)
		}
		if err := b.Delete(ownedKey(userID, id)); err != nil {
			return err
		}
		return deleteOwnedWhere(tx.Bucket(bucketTasks), userID, func(v []byte) (bool, error) {
			var t storage.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return false, err
			}
			return t.PriorityID == id, nil
		})
	})
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func checkRefs(tx *bbolt.Tx, t *storage.Task) error {
	if tx.Bucket(bucketStatuses).Get(ownedKey(t.UserID, t.StatusID)) == nil {
		return fmt.Errorf("status %d: %w", t.StatusID, storage.ErrNotFound)
	}
	if tx.Bucket(bucketPriorities).Get(ownedKey(t.UserID, t.PriorityID)) == nil {
		return fmt.Errorf("priority %d: %w", t.PriorityID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateTask(_ context.Context, t *storage.Task) (*storage.Task, error) {
	created := t.Clone()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := checkRefs(tx, created); err != nil {
			return err
		}
		b := tx.Bucket(bucketTasks)
		var err error
		if created.ID, err = nextID(b); err != nil {
			return err
		}
		now := s.now()
		created.CreatedAt = now
		created.UpdatedAt = now
		return put(b, ownedKey(created.UserID, created.ID), created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetTask(_ context.Context, userID, id int64) (*storage.Task, error) {
	var t storage.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getOwned(tx.Bucket(bucketTasks), "task", userID, id, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTasks(_ context.Context, userID int64) ([]storage.Task, error) {
	out := []storage.Task{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanOwned(tx.Bucket(bucketTasks), userID, func(_, v []byte) error {
			var t storage.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

func (s *Store) UpdateTask(_ context.Context, userID, id int64, upd storage.TaskUpdate) (*storage.Task, error) {
	var t storage.Task
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if err := getOwned(b, "task", userID, id, &t); err != nil {
			return err
		}
		upd.ApplyTo(&t)
		if err := checkRefs(tx, &t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()
		return put(b, ownedKey(userID, id), t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) DeleteTask(_ context.Context, userID, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(ownedKey(userID, id)) == nil {
			return fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
		}
		return b.Delete(ownedKey(userID, id))
	})
}

func (s *Store) ListOverdueTasks(_ context.Context, before time.Time) ([]storage.Task, error) {
	var out []storage.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t storage.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.EstimatedEnd != nil && !t.EstimatedEnd.After(before) {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}
