package conversion

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const txidPrefix = "audit-"

// newTransactionID renders audit-<unix seconds>-<12 hex chars of a random uuid>.
func newTransactionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return txidPrefix + strconv.FormatInt(now.Unix(), 10) + "-" + suffix
}
