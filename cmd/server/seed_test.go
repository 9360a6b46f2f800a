package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandi/auction/internal/ingestion"
	"github.com/mandi/auction/internal/repository"
)

func TestSeedFromTestdata(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(ctx, repository.Options{
		Driver: repository.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "mandi.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	traders := repository.NewTraderRepo(db)
	rules := repository.NewRuleRepo(db)
	lots := repository.NewLotRepo(db)
	s := &seeder{
		dir:     filepath.Join("..", "..", "testdata"),
		traders: traders,
		rules:   rules,
		ingest:  ingestion.NewService(repository.NewWeighingRepo(db), logger),
		logger:  logger,
	}

	require.NoError(t, s.run(ctx))
	// Second run is a no-op.
	require.NoError(t, s.run(ctx))

	all, err := traders.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 8)

	seeded, err := rules.List(ctx, repository.RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, seeded, 6)

	_, total, err := lots.List(ctx, repository.LotFilter{})
	require.NoError(t, err)
	assert.Equal(t, 26, total)
}
