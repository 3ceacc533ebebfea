// Package ids issues the identifiers the ledger engine consumes. Internal ids
// are ULIDs; human-legible document numbers are the same ULIDs behind a short
// document prefix, mirroring the numbering scheme of the front office.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// LoanNumber returns a human-legible loan number.
func LoanNumber() string { return "LN-" + New() }

// AccountNumber returns a human-legible savings account number.
func AccountNumber() string { return "SA-" + New() }

// TransactionNumber returns a human-legible transaction number.
func TransactionNumber() string { return "TX-" + New() }
