// Package audit is the broker's append-only command ledger.
//
// This is not a job database: job state is always recomputed from the
// batch system on query, never read back from here. The ledger exists
// purely so an operator can reconstruct what the dispatcher did — one
// entry per dispatched command, independent per node, pruned by
// retention.
//
// Schema and bucket layout: one bucket, sortable keys prefixed with a
// fixed-width UTC timestamp, JSON-encoded values, a schema version row in a meta bucket.
package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current ledger schema version.
	SchemaVersion = "1"

	bucketLedger = "ledger"
	bucketMeta   = "meta"

	// DefaultRetentionDays is used when the config does not set one.
	DefaultRetentionDays = 30
)

// Entry is a single audit record: one dispatched command.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Verb      string    `json:"verb"`
	User      string    `json:"user"`
	PID       int       `json:"pid"`
	Outcome   string    `json:"outcome"` // "ok" or "failed"
	Detail    string    `json:"detail,omitempty"`
}

// Ledger wraps a BoltDB instance with typed accessors for audit entries.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the ledger database at path.
func Open(path string, retentionDays int) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: database initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: database has %q, broker requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// ledgerKeyLayout is RFC3339 in UTC with a fixed nine-digit fraction, so
// formatted timestamps compare bytewise in time order.
const ledgerKeyLayout = "2006-01-02T15:04:05.000000000Z"

// ledgerKey builds a sortable key: UTC timestamp + "_" + pid, so
// bucket iteration order is chronological.
func ledgerKey(ts time.Time, pid int) []byte {
	return []byte(fmt.Sprintf("%s_%d", ts.UTC().Format(ledgerKeyLayout), pid))
}

// Record appends one audit entry.
func (l *Ledger) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	key := ledgerKey(e.Timestamp, e.PID)
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).Put(key, data)
	})
}

// Count returns the number of entries currently stored.
func (l *Ledger) Count() (int, error) {
	n := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// PruneOldEntries deletes entries older than retentionDays and returns
// how many it deleted. Each worker calls it once after opening the
// ledger (see internal/shepherd).
func (l *Ledger) PruneOldEntries() (int, error) {
	cutoff := time.Now().AddDate(0, 0, -l.retentionDays)
	cutoffPrefix := cutoff.UTC().Format(ledgerKeyLayout)

	deleted := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts := strings.SplitN(string(k), "_", 2)[0]
			if ts < cutoffPrefix {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
