package ingestion_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandi/auction/internal/domain"
	"github.com/mandi/auction/internal/ingestion"
	"github.com/mandi/auction/internal/repository"
)

func setup(t *testing.T) (*ingestion.Service, *repository.LotRepo) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(context.Background(), repository.Options{
		Driver: repository.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "mandi.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return ingestion.NewService(repository.NewWeighingRepo(db), logger), repository.NewLotRepo(db)
}

const slipsCSV = `slip_id,farmer_id,crop,weight_kg,count
S-1,F1,Tomato,500,
S-2,F2,Banana,,40
S-3,F1,Onion,120.5,0
`

func TestIngestCSV(t *testing.T) {
	svc, lots := setup(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, []byte(slipsCSV), "gate-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, 3, res.LotsCreated)
	assert.False(t, res.AlreadyIngested)

	open, err := lots.ListOpenByFarmer(ctx, "F1")
	require.NoError(t, err)
	require.Len(t, open, 2)

	banana, err := lots.Find(ctx, res.LotIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.UnitCount, banana.Unit())
	assert.Equal(t, "S-2", banana.SourceRef)
}

func TestIngestIsIdempotent(t *testing.T) {
	svc, lots := setup(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, []byte(slipsCSV), "gate-1", "csv")
	require.NoError(t, err)

	res, err := svc.Ingest(ctx, []byte(slipsCSV), "gate-1", "csv")
	require.NoError(t, err)
	assert.True(t, res.AlreadyIngested)

	_, total, err := lots.List(ctx, repository.LotFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestIngestRejectsWholeBatchOnBadSlip(t *testing.T) {
	svc, lots := setup(t)
	ctx := context.Background()

	data := "slip_id|farmer_id|crop|weight_kg|count\nS-1|F1|Tomato|10|\nS-2|F1|Tomato|10|3\n"
	_, err := svc.Ingest(ctx, []byte(data), "gate-2", "psv")
	require.ErrorIs(t, err, domain.ErrInvalidLotMeasurement)
	assert.Contains(t, err.Error(), "line 3 (slip S-2)")

	_, total, err := lots.List(ctx, repository.LotFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestIngestJSON(t *testing.T) {
	svc, _ := setup(t)

	data := `{"batch_id":"WB-77","slips":[
		{"slip_id":"J-1","farmer_id":"F9","crop":"Rice","weight_kg":"250.5"},
		{"slip_id":"J-2","farmer_id":"F9","crop":"Mango","count":12}
	]}`
	res, err := svc.Ingest(context.Background(), []byte(data), "gate-3", "json")
	require.NoError(t, err)
	assert.Equal(t, "WB-77", res.BatchRef)
	assert.Equal(t, 2, res.LotsCreated)
}

func TestIngestBadInput(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, []byte(slipsCSV), "gate-1", "xml")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Ingest(ctx, []byte(slipsCSV), " ", "csv")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Ingest(ctx, []byte("slip_id,farmer_id\nS-1,F1\n"), "gate-1", "csv")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Ingest(ctx, []byte("slip_id,farmer_id,crop,weight_kg,count\n"), "gate-1", "csv")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestParseSlipsCSVBadNumber(t *testing.T) {
	_, err := ingestion.ParseSlipsCSV([]byte("slip_id,farmer_id,crop,weight_kg,count\nS,F,C,ten,\n"), ',')
	assert.ErrorContains(t, err, "line 2 weight_kg")
}

func TestParseSlipsCSVColumnOrder(t *testing.T) {
	slips, err := ingestion.ParseSlipsCSV([]byte("crop,count,weight_kg,farmer_id,slip_id\nOnion,,75,F1,S-1\n"), ',')
	require.NoError(t, err)
	require.Len(t, slips, 1)
	assert.True(t, slips[0].WeightKg.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, "F1", slips[0].FarmerID)
}
