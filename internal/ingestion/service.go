package ingestion

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mandi/auction/internal/domain"
)

const (
	FormatCSV  = "csv"
	FormatPSV  = "psv"
	FormatJSON = "json"
)

// Store persists imported weighing batches.
type Store interface {
	BatchExistsByHash(ctx context.Context, hash string) (bool, error)
	Import(ctx context.Context, batch *domain.WeighingBatch, lots []*domain.Lot) error
}

// IngestResult is returned from a successful ingestion.
type IngestResult struct {
	BatchID         string   `json:"batch_id"`
	BatchRef        string   `json:"batch_ref"`
	LotsCreated     int      `json:"lots_created"`
	LotIDs          []string `json:"lot_ids"`
	AlreadyIngested bool     `json:"already_ingested"`
}

// Service turns weighing files into lots.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger.With("system", "ingestion")}
}

// Ingest parses a weighing file and creates one lot per slip. The file hash
// makes it idempotent: a file already imported returns AlreadyIngested. Any
// slip that fails lot validation rejects the whole file.
func (s *Service) Ingest(ctx context.Context, data []byte, source, format string) (*IngestResult, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", domain.ErrInvalidArgument)
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	exists, err := s.store.BatchExistsByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check hash: %w", err)
	}
	if exists {
		s.logger.Info("weighing file already ingested", "source", source, "hash", hash[:12])
		return &IngestResult{AlreadyIngested: true}, nil
	}

	var slips []Slip
	var batchRef string
	switch strings.ToLower(format) {
	case FormatCSV:
		slips, err = ParseSlipsCSV(data, ',')
	case FormatPSV:
		slips, err = ParseSlipsCSV(data, '|')
	case FormatJSON:
		slips, batchRef, err = ParseSlipsJSON(data)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", domain.ErrInvalidArgument, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidArgument, format, err)
	}
	if len(slips) == 0 {
		return nil, fmt.Errorf("%w: weighing file has no slips", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	if batchRef == "" {
		batchRef = fmt.Sprintf("WB-%s-%s", source, now.Format("20060102T150405"))
	}

	lots := make([]*domain.Lot, 0, len(slips))
	ids := make([]string, 0, len(slips))
	for _, slip := range slips {
		lot, err := domain.NewLot(slip.FarmerID, slip.Crop, slip.WeightKg, slip.Count)
		if err != nil {
			return nil, fmt.Errorf("line %d (slip %s): %w", slip.Line, slip.SlipID, err)
		}
		lot.SourceRef = slip.SlipID
		lot.CreatedAt, lot.UpdatedAt = now, now
		lots = append(lots, lot)
		ids = append(ids, lot.ID)
	}

	batch := &domain.WeighingBatch{
		ID:          uuid.NewString(),
		Source:      source,
		BatchRef:    batchRef,
		FileHash:    hash,
		RecordCount: len(lots),
		IngestedAt:  now,
	}
	if err := s.store.Import(ctx, batch, lots); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// A concurrent upload of the same file won.
			return &IngestResult{AlreadyIngested: true}, nil
		}
		return nil, fmt.Errorf("import batch: %w", err)
	}

	s.logger.Info("weighing file ingested",
		"batch_id", batch.ID, "batch_ref", batchRef, "source", source, "lots", len(lots))

	return &IngestResult{
		BatchID:     batch.ID,
		BatchRef:    batchRef,
		LotsCreated: len(lots),
		LotIDs:      ids,
	}, nil
}
