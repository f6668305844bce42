// Package id generates ULIDs for run, trade and event records.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// Monotonic keeps ids created within the same millisecond increasing.
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID stamped with the wall clock.
func New() string {
	s, err := NewAt(time.Now())
	if err != nil {
		// Monotonic entropy ran out within one millisecond.
		return ulid.Make().String()
	}
	return s
}

// NewAt returns a ULID stamped with t. Replays stamp records with bar time
// so their ids sort in simulated order. Times before the Unix epoch,
// including the zero time, are outside the ULID range and return an error.
func NewAt(t time.Time) (string, error) {
	if t.Before(time.Unix(0, 0)) {
		return "", fmt.Errorf("id: time %s is before the unix epoch", t.UTC().Format(time.RFC3339))
	}

	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		return "", fmt.Errorf("id: %w", err)
	}
	return id.String(), nil
}

// NewAtOrNow is NewAt falling back to the wall clock when t has no valid
// ULID timestamp.
func NewAtOrNow(t time.Time) string {
	if s, err := NewAt(t); err == nil {
		return s
	}
	return New()
}

// Time extracts the timestamp of a ULID string.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
