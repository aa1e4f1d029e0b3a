package logging

import (
	"context"
	"errors"

	"ollama_logger/internal/models"
	"ollama_logger/internal/utils"
)

// MultiStore writes to a primary store and copies every record to mirrors.
// Only the primary's result is reported; mirror failures are logged.
type MultiStore struct {
	primary Store
	mirrors []Store
	logger  *utils.Logger
}

// NewMultiStore returns primary unchanged when there are no mirrors
func NewMultiStore(primary Store, mirrors ...Store) Store {
	if len(mirrors) == 0 {
		return primary
	}
	return &MultiStore{
		primary: primary,
		mirrors: mirrors,
		logger:  utils.NewLogger("multi-store"),
	}
}

func (m *MultiStore) Insert(ctx context.Context, rec *models.RequestLog) error {
	err := m.primary.Insert(ctx, rec)
	for _, mirror := range m.mirrors {
		if mErr := mirror.Insert(ctx, rec); mErr != nil {
			m.logger.Warn("Mirror write failed", "request_id", rec.RequestID, "error", mErr)
		}
	}
	return err
}

func (m *MultiStore) InsertBatch(ctx context.Context, recs []*models.RequestLog) error {
	err := m.primary.InsertBatch(ctx, recs)
	for _, mirror := range m.mirrors {
		if mErr := mirror.InsertBatch(ctx, recs); mErr != nil {
			m.logger.Warn("Mirror batch write failed", "count", len(recs), "error", mErr)
		}
	}
	return err
}

// Close closes every store
func (m *MultiStore) Close() error {
	errs := []error{m.primary.Close()}
	for _, mirror := range m.mirrors {
		errs = append(errs, mirror.Close())
	}
	return errors.Join(errs...)
}
