package castore

import (
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID, used to mint the
// process-lifetime identity a RedisLocker presents as a lock's owner so a
// crashed and restarted process never mistakes another instance's locks for
// its own.
type UUID uuid.UUID

// NewUUID returns a new randomly generated UUID. It retries on error with a 1ms
// backoff up to 10 times and panics only if all attempts fail, which should never
// happen under normal conditions.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// String returns the canonical string representation of the UUID.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}
