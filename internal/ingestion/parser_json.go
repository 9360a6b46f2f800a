package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// weighingFile is the JSON export of a gate weighbridge.
type weighingFile struct {
	BatchID string          `json:"batch_id"`
	Slips   []weighingEntry `json:"slips"`
}

type weighingEntry struct {
	SlipID   string           `json:"slip_id"`
	FarmerID string           `json:"farmer_id"`
	Crop     string           `json:"crop"`
	WeightKg *decimal.Decimal `json:"weight_kg"`
	Count    *decimal.Decimal `json:"count"`
}

// ParseSlipsJSON parses the JSON weighing format and returns its slips and
// batch id.
func ParseSlipsJSON(data []byte) ([]Slip, string, error) {
	var file weighingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("unmarshal: %w", err)
	}

	slips := make([]Slip, 0, len(file.Slips))
	for i, e := range file.Slips {
		s := Slip{
			Line:     i + 1,
			SlipID:   e.SlipID,
			FarmerID: e.FarmerID,
			Crop:     e.Crop,
		}
		if e.WeightKg != nil {
			s.WeightKg = *e.WeightKg
		}
		if e.Count != nil {
			s.Count = *e.Count
		}
		slips = append(slips, s)
	}
	return slips, file.BatchID, nil
}
