// Package ulid generates prefixed ULID identifiers for the entities the
// server tracks. The prefix tells a reader (and log greps) what kind of
// thing an id refers to, e.g. "ses-01JC...". ULIDs sort by creation time,
// which keeps store listings in chronological order for free.
package ulid

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes for the different id families used across the server.
const (
	// PrefixSession identifies synchronization sessions
	PrefixSession = "ses"

	// PrefixActionsGroup identifies actions groups
	PrefixActionsGroup = "act"

	// PrefixClient identifies client instances
	PrefixClient = "cli"

	// PrefixLockOwner identifies distributed lock owner tokens
	PrefixLockOwner = "own"

	// PrefixRequest identifies inbound requests
	PrefixRequest = "req"

	// PrefixSeparator separates the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// ULID wraps ulid.ULID with an optional prefix and database/JSON support.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate creates a new ULID with the current timestamp and no prefix.
func Generate() ULID {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
func GenerateWithPrefix(prefix string) ULID {
	id := NewWithTime(time.Now())
	id.prefix = prefix
	return id
}

// NewWithTime creates a new ULID with a specific timestamp.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// Parse parses a ULID string, with or without a prefix
// (e.g. "ses-01AN4Z07BY79KA1307SR9X4MV3").
func Parse(id string) (ULID, error) {
	var rawID, prefix string
	if i := strings.Index(id, PrefixSeparator); i >= 0 {
		prefix = id[:i]
		rawID = id[i+1:]
	} else {
		rawID = id
	}

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, err
	}
	return ULID{parsed, prefix}, nil
}

// Validate checks whether a string is a valid, optionally prefixed ULID.
func Validate(id string) bool {
	_, err := Parse(id)
	return err == nil
}

// IsZero returns true if the ULID is the zero value.
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// String returns the string representation, including the prefix when set.
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// Time returns the timestamp component of the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// MarshalJSON implements json.Marshaler.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements driver.Valuer; ULIDs are stored as strings.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		return nil
	case string:
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(src))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

// SessionID generates a new session id.
func SessionID() string {
	return GenerateWithPrefix(PrefixSession).String()
}

// ActionsGroupID generates a new actions-group id.
func ActionsGroupID() string {
	return GenerateWithPrefix(PrefixActionsGroup).String()
}

// ClientID generates a new client-instance id.
func ClientID() string {
	return GenerateWithPrefix(PrefixClient).String()
}

// LockOwnerID generates a new lock owner token.
func LockOwnerID() string {
	return GenerateWithPrefix(PrefixLockOwner).String()
}

// RequestID generates a new request id.
func RequestID() string {
	return GenerateWithPrefix(PrefixRequest).String()
}
