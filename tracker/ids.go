package tracker

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDSource generates identifiers for sessions, items and events.
type IDSource interface {
	SessionID() string
	ItemID() string
	EventID() string
}

// defaultIDs uses UUIDs for sessions and items and monotonic ULIDs for
// events so event ids sort in emission order.
type defaultIDs struct {
	entropy *ulid.MonotonicEntropy
	mu      sync.Mutex
}

func newDefaultIDs() *defaultIDs {
	return &defaultIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (d *defaultIDs) SessionID() string { return uuid.NewString() }

func (d *defaultIDs) ItemID() string { return "itm_" + uuid.NewString() }

func (d *defaultIDs) EventID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), d.entropy).String()
}
