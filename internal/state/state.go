package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bakeline/batch-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.batch-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	queueBucket     = []byte("queue")
	snapshotsBucket = []byte("snapshots")

	lastSyncedKey = []byte("last_synced_at")
	scopeKey      = []byte("scope")
)

// Store wraps a bbolt database holding the durable write queue, the
// per-collection cache snapshots, and small app metadata. It is the only
// code that touches the database file; queue and cache go through it.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at ~/.batch-sync/state.db, creating it
// if it does not exist.
func Open() (*Store, error) {
	return OpenAt(dbPath())
}

// OpenAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(queueBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendQueue appends a serialized queue entry. Keys come from the
// bucket sequence encoded big-endian, so byte order equals insertion
// order and iteration replays oldest-first.
func (s *Store) AppendQueue(entry []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		return b.Put(queueKey(seq), entry)
	})
}

// QueueEntries returns all queued entries in insertion order.
func (s *Store) QueueEntries() ([][]byte, error) {
	var entries [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			entries = append(entries, append([]byte(nil), v...))

			return nil
		})
	})

	return entries, err
}

// ReplaceQueue atomically replaces the whole queue with the given
// entries, preserving their order. Called after every flush pass.
func (s *Store) ReplaceQueue(entries [][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(queueBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(queueBucket)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			if err := b.Put(queueKey(seq), entry); err != nil {
				return err
			}
		}

		return nil
	})
}

// QueueLen returns the number of queued entries.
func (s *Store) QueueLen() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN

		return nil
	})

	return count, err
}

// Snapshot returns the persisted snapshot for a collection, or nil if
// none has been written yet.
func (s *Store) Snapshot(collection string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(collection))
		if v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// SetSnapshot overwrites the persisted snapshot for a collection.
func (s *Store) SetSnapshot(collection string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(collection), data)
	})
}

// LastSyncedAt returns the time of the last successful sync, or nil if
// the device has never synced.
func (s *Store) LastSyncedAt() (*time.Time, error) {
	var ts *time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastSyncedKey)
		if v == nil {
			return nil
		}

		t, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return err
		}

		ts = &t

		return nil
	})

	return ts, err
}

// SetLastSyncedAt persists the time of the last successful sync.
func (s *Store) SetLastSyncedAt(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(lastSyncedKey, []byte(t.Format(time.RFC3339Nano)))
	})
}

// Scope returns the last known data scope, or nil if none was saved.
// The gateway falls back to this when scope resolution fails offline.
func (s *Store) Scope() (*models.Scope, error) {
	var scope *models.Scope

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(scopeKey)
		if v == nil {
			return nil
		}

		scope = &models.Scope{}

		return json.Unmarshal(v, scope)
	})

	return scope, err
}

// SetScope persists the last known data scope.
func (s *Store) SetScope(scope models.Scope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(scope)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(scopeKey, data)
	})
}

func queueKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database might end up inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".batch-sync", "state.db")
}
