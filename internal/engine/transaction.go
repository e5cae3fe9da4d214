package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meowrch/pawlette/internal/fsutil"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusOpen       Status = "open"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Action describes what a mutation did to its target.
type Action string

const (
	ActionCreate    Action = "create"
	ActionOverwrite Action = "overwrite"
	ActionPatch     Action = "patch"
)

// Mutation records one write performed by a transaction.
type Mutation struct {
	TargetPath string `json:"target_path"`
	Action     Action `json:"action"`
	// PreDigest is the digest of the content replaced by this mutation,
	// empty when the target did not exist.
	PreDigest string `json:"pre_digest,omitempty"`
	// PostDigest is the digest of the content this mutation wrote.
	PostDigest string `json:"post_digest,omitempty"`
	// CreatedDirs lists parent directories this mutation had to create,
	// outermost first. Rollback removes them again if they end up empty.
	CreatedDirs []string `json:"created_dirs,omitempty"`
}

// Transaction is the atomic unit of one theme application or revert.
type Transaction struct {
	ID         string     `json:"id"`
	Theme      string     `json:"theme"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Mutations  []Mutation `json:"mutations"`
}

// record appends a mutation to the open transaction.
func (t *Transaction) record(m Mutation) {
	t.Mutations = append(t.Mutations, m)
}

// finish stamps the transaction with its terminal status.
func (t *Transaction) finish(status Status) {
	now := time.Now().UTC()
	t.Status = status
	t.FinishedAt = &now
}

// saveTransaction persists the transaction record for auditing and revert.
func saveTransaction(dir string, tx *Transaction) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create transactions directory: %w", err)
	}
	data, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, tx.ID+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to save transaction record: %w", err)
	}
	return nil
}

// LoadTransaction reads a persisted transaction record by id.
func LoadTransaction(dir, id string) (*Transaction, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction record %s: %w", id, err)
	}
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse transaction record %s: %w", id, err)
	}
	return &tx, nil
}
