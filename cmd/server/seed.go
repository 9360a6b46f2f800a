package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mandi/auction/internal/domain"
	"github.com/mandi/auction/internal/ingestion"
	"github.com/mandi/auction/internal/repository"
)

// seeder loads traders, commission rules and sample weighing files from a
// directory into an empty store.
type seeder struct {
	dir     string
	traders *repository.TraderRepo
	rules   *repository.RuleRepo
	ingest  *ingestion.Service
	logger  *slog.Logger
}

func (s *seeder) run(ctx context.Context) error {
	if err := s.seedTraders(ctx); err != nil {
		return fmt.Errorf("traders: %w", err)
	}
	if err := s.seedRules(ctx); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return s.seedWeighings(ctx)
}

func (s *seeder) seedTraders(ctx context.Context) error {
	existing, err := s.traders.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		s.logger.Info("traders present, skipping seed", "count", len(existing))
		return nil
	}

	var traders []domain.Trader
	if err := readJSON(filepath.Join(s.dir, "traders.json"), &traders); err != nil {
		return err
	}
	for i := range traders {
		if traders[i].CreatedAt.IsZero() {
			traders[i].CreatedAt = time.Now().UTC()
		}
		if err := s.traders.Insert(ctx, &traders[i]); err != nil && !errors.Is(err, domain.ErrDuplicate) {
			return err
		}
	}
	s.logger.Info("seeded traders", "count", len(traders))
	return nil
}

func (s *seeder) seedRules(ctx context.Context) error {
	existing, err := s.rules.List(ctx, repository.RuleFilter{})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		s.logger.Info("commission rules present, skipping seed", "count", len(existing))
		return nil
	}

	var cmds []domain.NewCommissionRule
	if err := readJSON(filepath.Join(s.dir, "rules.json"), &cmds); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, cmd := range cmds {
		rule, err := cmd.Build(uuid.NewString(), now)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if err := s.rules.Insert(ctx, &rule); err != nil {
			return err
		}
	}
	s.logger.Info("seeded commission rules", "count", len(cmds))
	return nil
}

// seedWeighings imports every weighing_* file. Files already imported are
// skipped by the ingestion hash check.
func (s *seeder) seedWeighings(ctx context.Context) error {
	paths, err := filepath.Glob(filepath.Join(s.dir, "weighing_*"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		format := strings.TrimPrefix(filepath.Ext(path), ".")
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		source := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, err := s.ingest.Ingest(ctx, data, source, format); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
