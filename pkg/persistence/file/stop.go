package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

const stopsDir = "stops"

// StopRepository handles emergency stop record file operations.
type StopRepository struct {
	root  string
	locks *keyLocks
}

func (sr *StopRepository) Save(ctx context.Context, stop *models.EmergencyStop) error {
	if err := validateID(stop.ID); err != nil {
		return fmt.Errorf("invalid emergency stop ID: %w", err)
	}

	lock := sr.locks.forKey("stop:" + stop.ID)
	lock.Lock()
	defer lock.Unlock()

	return writeRecord(sr.root, stopsDir, stop.ID, stop)
}

func (sr *StopRepository) GetByID(ctx context.Context, id string) (*models.EmergencyStop, error) {
	var stop models.EmergencyStop

	err := readRecord(sr.root, stopsDir, id, &stop)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrStopNotFound
		}

		return nil, fmt.Errorf("failed to read emergency stop %s: %w", id, err)
	}

	return &stop, nil
}

func (sr *StopRepository) ListActive(ctx context.Context) ([]*models.EmergencyStop, error) {
	var stops []*models.EmergencyStop

	err := listRecords(sr.root, stopsDir, func(data []byte) error {
		var stop models.EmergencyStop
		if err := json.Unmarshal(data, &stop); err != nil {
			return fmt.Errorf("failed to unmarshal emergency stop: %w", err)
		}

		if stop.Active {
			stops = append(stops, &stop)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return stops, nil
}
