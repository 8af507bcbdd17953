package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NumberFunc produces a candidate order number for the given instant.
// Uniqueness is enforced by storage; collisions are retried by the Builder.
type NumberFunc func(now time.Time) string

// RandomNumber returns ORD-YYYYMMDD-XXXXXXXX with eight random hex digits.
func RandomNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return "ORD-" + now.UTC().Format("20060102") + "-" + suffix
}
