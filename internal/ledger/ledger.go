// Package ledger records, per stream message id, which durable resources a
// command has already created, in BoltDB: one bucket, JSON-marshaled
// values, upsert-by-Put. It is a record only: the dispatcher writes to it
// after each create, and nothing in this module reads it back to skip a
// create.
package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCommands = []byte("commands")

// Record tracks which effects a single message id has already produced.
type Record struct {
	MessageID          string    `json:"message_id"`
	BuildRecordID      string    `json:"build_record_id,omitempty"`
	DeploymentRecordID string    `json:"deployment_record_id,omitempty"`
	RegistryUpserted   bool      `json:"registry_upserted"`
	CreatedAt          time.Time `json:"created_at"`
}

// Ledger is a BoltDB-backed idempotency store.
type Ledger struct {
	db *bolt.DB
}

// Open opens (creating if needed) the ledger database under dataDir.
func Open(dataDir string) (*Ledger, error) {
	path := filepath.Join(dataDir, "orchestrator.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommands)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Get returns the record for messageID, or a zero-value Record with a
// fresh CreatedAt if none exists yet.
func (l *Ledger) Get(messageID string) (Record, error) {
	rec := Record{MessageID: messageID, CreatedAt: time.Now()}
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommands).Get([]byte(messageID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get %s: %w", messageID, err)
	}
	return rec, nil
}

// Put upserts the record for messageID.
func (l *Ledger) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal %s: %w", rec.MessageID, err)
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).Put([]byte(rec.MessageID), data)
	})
	if err != nil {
		return fmt.Errorf("ledger: put %s: %w", rec.MessageID, err)
	}
	return nil
}

// RecordBuild marks that messageID has already produced a BuildRecord.
func (l *Ledger) RecordBuild(messageID, buildID string) error {
	rec, err := l.Get(messageID)
	if err != nil {
		return err
	}
	rec.BuildRecordID = buildID
	return l.Put(rec)
}

// RecordDeployment marks that messageID has already produced a
// DeploymentRecord.
func (l *Ledger) RecordDeployment(messageID, deploymentID string) error {
	rec, err := l.Get(messageID)
	if err != nil {
		return err
	}
	rec.DeploymentRecordID = deploymentID
	return l.Put(rec)
}

// RecordRegistryUpsert marks that messageID has already upserted its
// registry entry.
func (l *Ledger) RecordRegistryUpsert(messageID string) error {
	rec, err := l.Get(messageID)
	if err != nil {
		return err
	}
	rec.RegistryUpserted = true
	return l.Put(rec)
}
