// Command generate writes the seed and sample weighing files under testdata:
// traders, commission rules and one weighing file per supported format.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
)

var (
	weightCrops = []string{"Tomato", "Onion", "Potato", "Rice", "Wheat", "Chilli"}
	countCrops  = []string{"Banana", "Mango", "Coconut"}
	traderNames = []string{
		"Ravi Traders", "Lakshmi Agro", "Sri Balaji Foods", "Ganesh Exports",
		"Annapurna Mart", "Kaveri Wholesale", "Nandi Produce", "Sai Fresh",
	}
)

type slip struct {
	SlipID   string           `json:"slip_id"`
	FarmerID string           `json:"farmer_id"`
	Crop     string           `json:"crop"`
	WeightKg *decimal.Decimal `json:"weight_kg,omitempty"`
	Count    *int             `json:"count,omitempty"`
}

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	generateTraders(baseDir)
	generateRules(baseDir)

	writeDelimited(filepath.Join(baseDir, "weighing_gate1.csv"), ',', generateSlips(rng, "G1", 12))
	writeDelimited(filepath.Join(baseDir, "weighing_gate2.psv"), '|', generateSlips(rng, "G2", 8))

	batch := struct {
		BatchID string `json:"batch_id"`
		Slips   []slip `json:"slips"`
	}{BatchID: "WB-G3-0001", Slips: generateSlips(rng, "G3", 6)}
	writeJSONFile(filepath.Join(baseDir, "weighing_gate3.json"), batch)
	fmt.Printf("Generated %d JSON slips -> weighing_gate3.json\n", len(batch.Slips))
}

func generateTraders(baseDir string) {
	traders := make([]domain.Trader, len(traderNames))
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range traderNames {
		traders[i] = domain.Trader{
			ID:        fmt.Sprintf("T%03d", i+1),
			Name:      name,
			Phone:     fmt.Sprintf("+91-98450%05d", 10000+i*137),
			CreatedAt: created,
		}
	}
	writeJSONFile(filepath.Join(baseDir, "traders.json"), traders)
	fmt.Printf("Generated %d traders -> traders.json\n", len(traders))
}

func generateRules(baseDir string) {
	at := func(y int, m time.Month, d int) *time.Time {
		t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &t
	}
	rule := func(role, crop, rate string, effective *time.Time) domain.NewCommissionRule {
		return domain.NewCommissionRule{
			RoleType:      role,
			CropType:      crop,
			Rate:          decimal.RequireFromString(rate),
			EffectiveDate: effective,
			CreatedBy:     "seed",
		}
	}

	rules := []domain.NewCommissionRule{
		rule("farmer", domain.AllCrops, "0.04", at(2024, 1, 1)),
		rule("trader", domain.AllCrops, "0.09", at(2024, 1, 1)),
		rule("farmer", "Tomato", "0.05", at(2024, 4, 1)),
		rule("trader", "Tomato", "0.10", at(2024, 4, 1)),
		rule("farmer", "Banana", "0.03", at(2024, 6, 1)),
		rule("trader", "Mango", "0.08", at(2024, 6, 1)),
	}
	writeJSONFile(filepath.Join(baseDir, "rules.json"), rules)
	fmt.Printf("Generated %d commission rules -> rules.json\n", len(rules))
}

// generateSlips produces weight slips for grains and vegetables and count
// slips (crates) for fruit.
func generateSlips(rng *rand.Rand, gate string, n int) []slip {
	slips := make([]slip, 0, n)
	for i := 1; i <= n; i++ {
		s := slip{
			SlipID:   fmt.Sprintf("%s-%04d", gate, i),
			FarmerID: fmt.Sprintf("F%03d", rng.Intn(25)+1),
		}
		if rng.Float64() < 0.7 {
			s.Crop = weightCrops[rng.Intn(len(weightCrops))]
			kg := decimal.NewFromInt(int64(rng.Intn(900)+50)).Add(decimal.New(int64(rng.Intn(10)), -1))
			s.WeightKg = &kg
		} else {
			s.Crop = countCrops[rng.Intn(len(countCrops))]
			c := rng.Intn(60) + 5
			s.Count = &c
		}
		slips = append(slips, s)
	}
	return slips
}

func writeDelimited(path string, comma rune, slips []slip) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = comma
	defer w.Flush()

	w.Write([]string{"slip_id", "farmer_id", "crop", "weight_kg", "count"})
	for _, s := range slips {
		var kg, count string
		if s.WeightKg != nil {
			kg = s.WeightKg.String()
		}
		if s.Count != nil {
			count = fmt.Sprint(*s.Count)
		}
		w.Write([]string{s.SlipID, s.FarmerID, s.Crop, kg, count})
	}

	fmt.Printf("Generated %d slips -> %s\n", len(slips), filepath.Base(path))
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "../../testdata"} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
