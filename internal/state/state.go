package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.ha-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	dnsBucket      = []byte("dns")
	entitiesBucket = []byte("entities")
	healthBucket   = []byte("health")
	syncBucket     = []byte("sync")

	lastRecoveryKey   = []byte("last_recovery")
	periodicCursorKey = []byte("periodic_cursor")
)

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. All buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{dnsBucket, entitiesBucket, healthBucket, syncBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ResolvedHost returns the last IPv4 address that host resolved to, or
// empty string.
func (s *State) ResolvedHost(host string) string {
	var ip string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(dnsBucket).Get([]byte(host)); v != nil {
			ip = string(v)
		}

		return nil
	})

	return ip
}

// SetResolvedHost persists the last good address for host.
func (s *State) SetResolvedHost(host, ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dnsBucket).Put([]byte(host), []byte(ip))
	})
}

// LoadEntities returns every cached entity from the last snapshot.
func (s *State) LoadEntities() ([]models.Entity, error) {
	var out []models.Entity

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entitiesBucket).ForEach(func(_, v []byte) error {
			var e models.Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			out = append(out, e)

			return nil
		})
	})

	return out, err
}

// SaveEntities replaces the entity snapshot.
func (s *State) SaveEntities(entities []models.Entity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entitiesBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(entitiesBucket)
		if err != nil {
			return err
		}

		for _, e := range entities {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(e.EntityID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LastRecovery returns the time of the last forced link recovery, or the
// zero time.
func (s *State) LastRecovery() time.Time {
	var t time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(healthBucket).Get(lastRecoveryKey)
		if v == nil {
			return nil
		}

		ms, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return nil
		}

		t = time.UnixMilli(ms)

		return nil
	})

	return t
}

// SetLastRecovery records the time of a forced link recovery.
func (s *State) SetLastRecovery(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(healthBucket).Put(lastRecoveryKey, []byte(strconv.FormatInt(t.UnixMilli(), 10)))
	})
}

// PeriodicCursor returns the saved periodic sync cursor.
func (s *State) PeriodicCursor() int {
	var cursor int

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get(periodicCursorKey)
		if v == nil {
			return nil
		}

		n, err := strconv.Atoi(string(v))
		if err == nil && n >= 0 {
			cursor = n
		}

		return nil
	})

	return cursor
}

// SetPeriodicCursor saves the periodic sync cursor.
func (s *State) SetPeriodicCursor(cursor int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Put(periodicCursorKey, []byte(strconv.Itoa(cursor)))
	})
}
