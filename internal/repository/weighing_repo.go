package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mandi/auction/internal/domain"
)

type WeighingRepo struct {
	db *sqlx.DB
}

func NewWeighingRepo(db *sqlx.DB) *WeighingRepo {
	return &WeighingRepo{db: db}
}

// BatchExistsByHash checks whether a weighing file with the given hash has
// already been imported.
func (r *WeighingRepo) BatchExistsByHash(ctx context.Context, hash string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind("SELECT COUNT(*) FROM weighing_batches WHERE file_hash = ?"), hash)
	return count > 0, err
}

// Import stores the batch record and its lots in one transaction. A batch
// whose file hash is already stored fails with ErrDuplicate.
func (r *WeighingRepo) Import(ctx context.Context, batch *domain.WeighingBatch, lots []*domain.Lot) error {
	_, err := WithTx(ctx, r.db, func(tx *sqlx.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO weighing_batches (id, source, batch_ref, file_hash, record_count, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			batch.ID, batch.Source, batch.BatchRef, batch.FileHash, batch.RecordCount, formatTime(batch.IngestedAt),
		)
		if err != nil {
			return struct{}{}, MapError(err, domain.ErrNotFound,
				fmt.Errorf("weighing file %s: %w", batch.FileHash, domain.ErrDuplicate))
		}
		return struct{}{}, insertLots(ctx, tx, lots)
	})
	return err
}
