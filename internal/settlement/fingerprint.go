package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mandi/auction/internal/allocation"
	"github.com/mandi/auction/internal/domain"
)

// Fingerprint identifies a commit payload. Line order and decimal formatting
// do not change it, so a retried request matches its first attempt.
func Fingerprint(lotID string, unit domain.Unit, lines []allocation.Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = fmt.Sprintf("%s:%s:%s", strings.TrimSpace(l.TraderID), l.Quantity.String(), l.Rate.String())
	}
	sort.Strings(parts)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", lotID, unit, strings.Join(parts, ","))
	return hex.EncodeToString(h.Sum(nil))
}
