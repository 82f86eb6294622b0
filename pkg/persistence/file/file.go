// Package file provides file-based persistence for executions, approvals,
// budgets and emergency stops. Intended for local development and tests; the
// compare-and-set guarantee is process-local (per-key mutexes).
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stewardhq/steward/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root           string
	definitionRepo *DefinitionRepository
	executionRepo  *ExecutionRepository
	approvalRepo   *ApprovalRepository
	budgetRepo     *BudgetRepository
	stopRepo       *StopRepository
}

// NewPersistence creates a new file persistence layer rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	locks := newKeyLocks()

	return &Persistence{
		root:           cleanRoot,
		definitionRepo: &DefinitionRepository{root: cleanRoot},
		executionRepo:  &ExecutionRepository{root: cleanRoot, locks: locks},
		approvalRepo:   &ApprovalRepository{root: cleanRoot, locks: locks},
		budgetRepo:     &BudgetRepository{root: cleanRoot, locks: locks},
		stopRepo:       &StopRepository{root: cleanRoot, locks: locks},
	}
}

func (fp *Persistence) Definitions() persistence.DefinitionRepository {
	return fp.definitionRepo
}

func (fp *Persistence) Executions() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) Approvals() persistence.ApprovalRepository {
	return fp.approvalRepo
}

func (fp *Persistence) Budgets() persistence.BudgetRepository {
	return fp.budgetRepo
}

func (fp *Persistence) Stops() persistence.StopRepository {
	return fp.stopRepo
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file persistence there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// keyLocks serializes read-modify-write cycles per record key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (kl *keyLocks) forKey(key string) *sync.Mutex {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	lock, ok := kl.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		kl.locks[key] = lock
	}

	return lock
}

// validateID ensures an identifier is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("identifier cannot be empty")
	}

	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("identifier contains invalid characters")
	}

	return nil
}

// writeRecord marshals a record and writes it under root/dir/id.json.
func writeRecord(root, dir, id string, record any) error {
	recordDir := filepath.Join(root, dir)

	err := os.MkdirAll(recordDir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record %s: %w", dir, id, err)
	}

	err = os.WriteFile(filepath.Join(recordDir, id+".json"), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s record %s: %w", dir, id, err)
	}

	return nil
}

// readRecord loads root/dir/id.json into target. Returns os.ErrNotExist when missing.
func readRecord(root, dir, id string, target any) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid identifier: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(root, dir, id+".json"))
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s record %s: %w", dir, id, err)
	}

	return nil
}

// listRecords reads every .json file under root/dir, decoding each via decode.
func listRecords(root, dir string, decode func(data []byte) error) error {
	recordDir := filepath.Join(root, dir)

	entries, err := os.ReadDir(recordDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read %s directory: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(recordDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s record %s: %w", dir, entry.Name(), err)
		}

		if err := decode(data); err != nil {
			return err
		}
	}

	return nil
}
