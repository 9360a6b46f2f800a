package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// Slip is one row of a weighing file: the gate's record of a farmer's
// delivery. Exactly one of WeightKg and Count is expected to be set.
type Slip struct {
	Line     int
	SlipID   string
	FarmerID string
	Crop     string
	WeightKg decimal.Decimal
	Count    decimal.Decimal
}

var slipColumns = []string{"slip_id", "farmer_id", "crop", "weight_kg", "count"}

// ParseSlipsCSV parses a delimited weighing file.
//
// Expected header (any column order, comma for csv, pipe for psv):
//
//	slip_id,farmer_id,crop,weight_kg,count
func ParseSlipsCSV(data []byte, comma rune) ([]Slip, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.Comma = comma
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range slipColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var slips []Slip
	lineNum := 1

	for {
		lineNum++
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}

		field := func(col string) string {
			i := idx[col]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		weight, err := parseQuantity(field("weight_kg"))
		if err != nil {
			return nil, fmt.Errorf("line %d weight_kg: %w", lineNum, err)
		}
		count, err := parseQuantity(field("count"))
		if err != nil {
			return nil, fmt.Errorf("line %d count: %w", lineNum, err)
		}

		slips = append(slips, Slip{
			Line:     lineNum,
			SlipID:   field("slip_id"),
			FarmerID: field("farmer_id"),
			Crop:     field("crop"),
			WeightKg: weight,
			Count:    count,
		})
	}

	return slips, nil
}

// parseQuantity reads an optional decimal; a blank cell is zero.
func parseQuantity(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
