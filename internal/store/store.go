// Package store persists merged biometric cycles in a bbolt database.
// One row per external cycle id; repeated syncs overlay score fields
// onto the same row.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the data directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the cycle database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

var (
	cyclesBucket = []byte("cycles")
	metaBucket   = []byte("meta")
	lastSyncKey  = []byte("last_sync")
)

// StrainMetrics are the strain fields overlaid from a cycle record.
type StrainMetrics struct {
	ScoreState   string  `json:"score_state"`
	Strain       float64 `json:"strain"`
	Kilojoules   float64 `json:"kilojoules"`
	AvgHeartRate float64 `json:"avg_heart_rate"`
	MaxHeartRate float64 `json:"max_heart_rate"`
}

// RecoveryMetrics are the recovery fields overlaid from a recovery
// record.
type RecoveryMetrics struct {
	ScoreState       string  `json:"score_state"`
	Score            float64 `json:"score"`
	RestingHeartRate float64 `json:"resting_heart_rate"`
	HRVMilli         float64 `json:"hrv_rmssd_milli"`
	SpO2             float64 `json:"spo2_percentage"`
}

// SleepMetrics are the sleep fields overlaid from a non-nap sleep
// record.
type SleepMetrics struct {
	SleepID         string  `json:"sleep_id"`
	ScoreState      string  `json:"score_state"`
	Performance     float64 `json:"performance"`
	Efficiency      float64 `json:"efficiency"`
	Consistency     float64 `json:"consistency"`
	RespiratoryRate float64 `json:"respiratory_rate"`
}

// Cycle is one unit of the biometric timeline, roughly one day, keyed
// by the provider's cycle id. Nil metric groups have not been fetched
// yet.
type Cycle struct {
	CycleID   int64            `json:"cycle_id"`
	Date      string           `json:"date"` // YYYY-MM-DD, from the strain record's start
	Strain    *StrainMetrics   `json:"strain,omitempty"`
	Recovery  *RecoveryMetrics `json:"recovery,omitempty"`
	Sleep     *SleepMetrics    `json:"sleep,omitempty"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// LastSync records the most recent successful sync for status output.
type LastSync struct {
	Time           time.Time `json:"time"`
	RecordsUpdated int       `json:"records_updated"`
}

// Store wraps the bbolt cycle database.
type Store struct {
	db *bolt.DB
}

// Open opens the cycle database at path, creating it and its parent
// directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cycle db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(cyclesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cycle db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// cycleKey is the 8-byte big-endian bucket key for a cycle id, so keys
// sort chronologically with the provider's increasing ids.
func cycleKey(cycleID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(cycleID))

	return key
}

// GetCycle returns the cycle row for an id, or nil if not stored.
func (s *Store) GetCycle(cycleID int64) (*Cycle, error) {
	var c *Cycle

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cyclesBucket).Get(cycleKey(cycleID))
		if v == nil {
			return nil
		}

		c = &Cycle{}

		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, fmt.Errorf("reading cycle %d: %w", cycleID, err)
	}

	return c, nil
}

// AllCycles returns all stored cycles in cycle-id order.
func (s *Store) AllCycles() ([]Cycle, error) {
	var cycles []Cycle

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cyclesBucket).ForEach(func(_, v []byte) error {
			var c Cycle
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			cycles = append(cycles, c)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing cycles: %w", err)
	}

	return cycles, nil
}

// CycleCount returns the number of stored cycle rows.
func (s *Store) CycleCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(cyclesBucket).Stats().KeyN

		return nil
	})

	return count
}

// LastSync returns the last successful sync marker, or nil if no sync
// has completed yet.
func (s *Store) LastSync() (*LastSync, error) {
	var ls *LastSync

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastSyncKey)
		if v == nil {
			return nil
		}

		ls = &LastSync{}

		return json.Unmarshal(v, ls)
	})
	if err != nil {
		return nil, fmt.Errorf("reading last sync: %w", err)
	}

	return ls, nil
}

// SetLastSync updates the last successful sync marker.
func (s *Store) SetLastSync(ls LastSync) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ls)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(lastSyncKey, data)
	})
}

// Batch stages cycle mutations for a single transactional commit.
// FindOrCreate loads existing rows lazily, so overlaying fields from
// several record types touches each row once. A Batch is not safe for
// concurrent use; the merge step is single-threaded by design.
type Batch struct {
	s      *Store
	cycles map[int64]*Cycle
}

// NewBatch starts an empty batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{s: s, cycles: make(map[int64]*Cycle)}
}

// FindOrCreate returns the staged cycle row for an id, loading it from
// the database or creating a fresh row on first touch. Keyed strictly
// by cycle id: re-running the same merge can never create duplicates.
func (b *Batch) FindOrCreate(cycleID int64) (*Cycle, error) {
	if c, ok := b.cycles[cycleID]; ok {
		return c, nil
	}

	c, err := b.s.GetCycle(cycleID)
	if err != nil {
		return nil, err
	}

	if c == nil {
		c = &Cycle{CycleID: cycleID}
	}

	b.cycles[cycleID] = c

	return c, nil
}

// FindByDate returns the cycle whose Date matches, checking staged
// rows first and then the database. Used as the fallback for sleep
// records that carry no cycle id. The returned row is staged.
func (b *Batch) FindByDate(date string) (*Cycle, error) {
	for _, c := range b.cycles {
		if c.Date == date {
			return c, nil
		}
	}

	var found *Cycle

	err := b.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cyclesBucket).ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}

			var c Cycle
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			if c.Date == date {
				found = &c
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scanning cycles for date %s: %w", date, err)
	}

	if found == nil {
		return nil, nil
	}

	b.cycles[found.CycleID] = found

	return found, nil
}

// Len returns the number of staged rows.
func (b *Batch) Len() int {
	return len(b.cycles)
}

// Commit writes all staged rows in one transaction.
func (b *Batch) Commit() error {
	err := b.s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(cyclesBucket)

		for id, c := range b.cycles {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}

			if err := bucket.Put(cycleKey(id), data); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("committing %d cycles: %w", len(b.cycles), err)
	}

	return nil
}
