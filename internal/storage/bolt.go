// Package storage — bolt.go
//
// BoltDB-backed persistent storage for OCTOREFLEX.
//
// Schema (BoltDB bucket layout):
//
//	/baselines
//	    key:   sha256(binary_path)  [32 bytes hex-encoded = 64 chars]
//	    value: JSON-encoded BaselineRecord
//
//	/ledger
//	    key:   UTC timestamp (fixed 9-digit fraction) + "_" + pid  [sortable]
//	    value: JSON-encoded governance.DecisionRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - Meta-page checksum check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned once, at agent
//     startup; nothing prunes them again while the agent runs.
//   - Baselines are never automatically pruned (operator action required).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via checksum and returns an error
//     on Open(). The agent logs a fatal event and refuses to start.
//     Recovery: restore from backup at /var/lib/octoreflex/db.bak.
//   - Disk full: bbolt.Update() returns an error. The agent logs the error
//     and continues without persisting (in-memory state preserved).

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/octoreflex/octoreflex/internal/gossip"
	"github.com/octoreflex/octoreflex/internal/governance"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/octoreflex/octoreflex.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	// bucketBaselines is the BoltDB bucket name for baseline records.
	bucketBaselines = "baselines"

	// bucketLedger is the BoltDB bucket name for audit ledger entries.
	bucketLedger = "ledger"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// BaselineRecord is the persisted form of a process binary baseline.
// Stored as JSON in the baselines bucket.
type BaselineRecord struct {
	// BinaryPath is the absolute path of the monitored binary.
	BinaryPath string `json:"binary_path"`

	// BinaryHash is sha256(binary_path) used as the BoltDB key.
	BinaryHash string `json:"binary_hash"`

	// MeanVector is the per-feature mean computed from training samples.
	MeanVector []float64 `json:"mean_vector"`

	// CovarianceMatrix is the n×n sample covariance matrix.
	CovarianceMatrix [][]float64 `json:"covariance_matrix"`

	// BaselineEntropy is the Shannon entropy of the baseline event distribution.
	BaselineEntropy float64 `json:"baseline_entropy"`

	// SampleCount is the number of samples used to compute this baseline.
	SampleCount int `json:"sample_count"`

	// UpdatedAt is the timestamp of the last baseline update.
	UpdatedAt time.Time `json:"updated_at"`
}

// DB wraps a BoltDB instance with typed accessors for OCTOREFLEX data.
// The ledger bucket stores governance.DecisionRecord, the single chained
// and durable form of an escalation decision (no separate unchained
// ledger type — see internal/governance/decision.go).
type DB struct {
	db            *bolt.DB
	retentionDays int

	ledgerMu sync.Mutex
	tipHash  string // last-appended DecisionRecord.DecisionHash, "" if ledger is empty.
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:         5 * time.Second,
		NoGrowSync:      false,
		FreelistType:    bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	// Initialise buckets and schema version in a single write transaction.
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBaselines, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		// Write schema version if not present.
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	// Verify schema version compatibility.
	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	if err := d.loadTipHash(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// loadTipHash seeds d.tipHash from the last entry in the ledger bucket, so
// the hash chain resumes correctly across a restart instead of silently
// starting a new chain rooted at "".
func (d *DB) loadTipHash() error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var rec governance.DecisionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("loadTipHash: unmarshal last ledger entry: %w", err)
		}
		d.tipHash = rec.DecisionHash
		return nil
	})
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, agent requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Baseline operations ──────────────────────────────────────────────────────

// binaryKey computes the BoltDB key for a binary path: sha256(path) hex-encoded.
func binaryKey(binaryPath string) []byte {
	h := sha256.Sum256([]byte(binaryPath))
	key := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(key, h[:])
	return key
}

// PutBaseline writes or updates a baseline record for a binary path.
// Uses a single ACID write transaction.
func (d *DB) PutBaseline(rec BaselineRecord) error {
	rec.BinaryHash = string(binaryKey(rec.BinaryPath))
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutBaseline marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		if err := b.Put([]byte(rec.BinaryHash), data); err != nil {
			return fmt.Errorf("PutBaseline bolt.Put: %w", err)
		}
		return nil
	})
}

// GetBaseline retrieves the baseline record for a binary path.
// Returns (nil, nil) if no baseline exists for this binary.
func (d *DB) GetBaseline(binaryPath string) (*BaselineRecord, error) {
	key := binaryKey(binaryPath)
	var rec BaselineRecord
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		data := b.Get(key)
		if data == nil {
			return nil // Not found.
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetBaseline(%q): %w", binaryPath, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─── Ledger operations ────────────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key for a ledger entry.
// Format: UTC RFC3339 with a fixed 9-digit fraction + "_" + PID (zero-padded
// to 10 digits). Lexicographic sort = chronological sort.
func ledgerKey(t time.Time, pid uint32) []byte {
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), pid))
}

// AppendLedger writes a new audit ledger entry (invariant L1: durability
// before the record is allowed to affect filter-map state). Rejects the
// record if its ParentHash doesn't match the current chain tip — the
// constitutional kernel must have validated it against the same tip the
// ledger actually holds (invariant D1).
func (d *DB) AppendLedger(rec governance.DecisionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if !rec.ConstitutionalOK || rec.DecisionHash == "" {
		return fmt.Errorf("AppendLedger: refusing unvalidated decision for pid %d", rec.PID)
	}

	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()

	if rec.ParentHash != d.tipHash {
		return fmt.Errorf(
			"AppendLedger: chain break for pid %d: record parent_hash %q does not match ledger tip %q",
			rec.PID, rec.ParentHash, d.tipHash)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(rec.Timestamp, rec.PID)

	if err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendLedger bolt.Put: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	d.tipHash = rec.DecisionHash
	return nil
}

// AppendOverride writes a ledger entry that the constitutional kernel never
// validated: a decay, a budget-exhausted defer, a constitutional-violation
// rejection, or an operator reset (DecisionRecord.IsDecay/BudgetExhausted/
// ConstitutionalViolation/OperatorReset). These are ledger-worthy precisely
// because something was rejected or deferred rather than committed, so the
// ConstitutionalOK gate AppendLedger enforces does not apply to them — the
// hash-chain continuity check (invariant D1) still does.
func (d *DB) AppendOverride(rec governance.DecisionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.DecisionHash == "" {
		return fmt.Errorf("AppendOverride: refusing unsealed decision for pid %d", rec.PID)
	}
	if !rec.IsDecay && !rec.BudgetExhausted && !rec.ConstitutionalViolation && !rec.OperatorReset {
		return fmt.Errorf("AppendOverride: refusing pid %d record with no override kind set", rec.PID)
	}

	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()

	if rec.ParentHash != d.tipHash {
		return fmt.Errorf(
			"AppendOverride: chain break for pid %d: record parent_hash %q does not match ledger tip %q",
			rec.PID, rec.ParentHash, d.tipHash)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendOverride marshal: %w", err)
	}

	key := ledgerKey(rec.Timestamp, rec.PID)

	if err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendOverride bolt.Put: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	d.tipHash = rec.DecisionHash
	return nil
}

// TipHash returns the current ledger chain tip hash, "" if the ledger is
// empty. Used to seed governance.ConstitutionalKernel.SeedChain on startup.
func (d *DB) TipHash() string {
	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()
	return d.tipHash
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Called once by the agent at startup.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		// Collect keys to delete (cannot delete during iteration in bbolt).
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break // All remaining keys are newer than cutoff.
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order.
// For operational use (CLI inspection). Not called on the hot path.
func (d *DB) ReadLedger() ([]governance.DecisionRecord, error) {
	var entries []governance.DecisionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry governance.DecisionRecord
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// ─── Federated baseline bridge ───────────────────────────────────────────────
//
// ListBaselines and MergeBaseline adapt the baselines bucket to
// gossip.BaselineStore so internal/gossip.FederatedBaselineManager can share
// and absorb baselines without storage depending on gossip's wire format.

// covDiagonal extracts the diagonal of an n×n covariance matrix.
func covDiagonal(cov [][]float64) []float64 {
	diag := make([]float64, len(cov))
	for i, row := range cov {
		if i < len(row) {
			diag[i] = row[i]
		}
	}
	return diag
}

// ListBaselines returns every stored baseline, reshaped for gossip sharing.
func (d *DB) ListBaselines() ([]gossip.BaselineRecord, error) {
	var out []gossip.BaselineRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		return b.ForEach(func(_, v []byte) error {
			var rec BaselineRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, gossip.BaselineRecord{
				ProcessHash:     rec.BinaryHash,
				MeanVector:      rec.MeanVector,
				CovDiagonal:     covDiagonal(rec.CovarianceMatrix),
				SampleCount:     uint32(rec.SampleCount),
				BaselineEntropy: rec.BaselineEntropy,
				UpdatedAt:       rec.UpdatedAt,
			})
			return nil
		})
	})
	return out, err
}

// MergeBaseline folds a federated baseline into the local store for the
// same process hash, using a trust-weighted average of the mean vectors and
// entropy (diagonal-only: the remote peer never sees off-diagonal terms).
// Creates a new record if none exists locally for this process hash yet.
func (d *DB) MergeBaseline(rec gossip.BaselineRecord, trustWeight float64) error {
	if trustWeight < 0 {
		trustWeight = 0
	}
	if trustWeight > 1 {
		trustWeight = 1
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		key := []byte(rec.ProcessHash)
		data := b.Get(key)

		var local BaselineRecord
		if data != nil {
			if err := json.Unmarshal(data, &local); err != nil {
				return fmt.Errorf("MergeBaseline unmarshal local: %w", err)
			}
		} else {
			local = BaselineRecord{
				BinaryHash:       rec.ProcessHash,
				MeanVector:       make([]float64, len(rec.MeanVector)),
				CovarianceMatrix: make([][]float64, len(rec.MeanVector)),
				SampleCount:      0,
			}
			for i := range local.CovarianceMatrix {
				local.CovarianceMatrix[i] = make([]float64, len(rec.MeanVector))
			}
		}

		n := len(local.MeanVector)
		if n == len(rec.MeanVector) {
			for i := range local.MeanVector {
				local.MeanVector[i] = (1-trustWeight)*local.MeanVector[i] + trustWeight*rec.MeanVector[i]
			}
			for i := 0; i < n && i < len(rec.CovDiagonal); i++ {
				local.CovarianceMatrix[i][i] = (1-trustWeight)*local.CovarianceMatrix[i][i] + trustWeight*rec.CovDiagonal[i]
			}
		}
		local.BaselineEntropy = (1-trustWeight)*local.BaselineEntropy + trustWeight*rec.BaselineEntropy
		if rec.SampleCount > uint32(local.SampleCount) {
			local.SampleCount = int(rec.SampleCount)
		}
		local.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(local)
		if err != nil {
			return fmt.Errorf("MergeBaseline marshal: %w", err)
		}
		return b.Put(key, out)
	})
}
