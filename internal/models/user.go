package models

import (
	"encoding/json"
	"errors"
	"hash/crc32"
	"time"
)

var (
	// ErrNoUserData is returned when reading or writing data of an
	// anonymous user: there is no session record behind it.
	ErrNoUserData = errors.New("anonymous user has no data")

	// ErrReadOnlyData is returned on attempts to mutate the data of an
	// expired user. Expired records only exist for post-hoc reads.
	ErrReadOnlyData = errors.New("expired user data is read-only")
)

// User is the closed set of session states. Every query for a session id
// yields exactly one of AnonymousUser, *CurrentUser or *ExpiredUser;
// callers type-switch for anything beyond the shared accessors.
type User interface {
	SessionID() string

	// Active reports whether the user may still operate the laboratory.
	Active() bool

	// Anonymous reports whether there is no session record at all,
	// not even an expired one.
	Anonymous() bool
}

// Timestamp returns the current time as float seconds since the epoch,
// the unit every session field uses.
func Timestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// SessionRecord holds the fields shared by current and expired users,
// as supplied by the scheduler at session creation.
type SessionRecord struct {
	ID             string
	Back           string
	LastPoll       float64
	MaxDate        float64
	StartDate      float64
	Username       string
	UsernameUnique string
	FullName       string
	Locale         string
	ExperimentName string
	CategoryName   string
	ExperimentID   string
	Exited         bool

	// Raw payloads received at creation. Read-only for lab code: use
	// ClientData / ServerData, which return copies.
	RequestClientData map[string]any
	RequestServerData map[string]any
}

func (r SessionRecord) SessionID() string { return r.ID }

// ClientData returns a copy of the client payload supplied at creation.
func (r SessionRecord) ClientData() map[string]any {
	return copyMap(r.RequestClientData)
}

// ServerData returns a copy of the server payload supplied at creation.
func (r SessionRecord) ServerData() map[string]any {
	return copyMap(r.RequestServerData)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AnonymousUser represents a session id with no backing record: it never
// existed, or every trace of it has expired.
type AnonymousUser struct{}

func (AnonymousUser) SessionID() string { return "" }
func (AnonymousUser) Active() bool      { return false }
func (AnonymousUser) Anonymous() bool   { return true }

// Data always fails: there is nothing to read or write.
func (AnonymousUser) Data() (map[string]any, error) {
	return nil, ErrNoUserData
}

// UserLoader resolves an external user object (a database row, usually)
// from the globally unique username. Errors are the caller's to see.
type UserLoader func(usernameUnique string) (any, error)

// CurrentUser is a session still inside its assigned slot.
type CurrentUser struct {
	SessionRecord

	// Data is the live, mutable session data. It tracks a content hash
	// of the last persisted state so redundant writes can be skipped.
	Data *DataStore
}

// NewCurrentUser builds a current user around a record, with data change
// tracking starting from the given mapping.
func NewCurrentUser(rec SessionRecord, data map[string]any) *CurrentUser {
	return &CurrentUser{SessionRecord: rec, Data: NewDataStore(data)}
}

func (u *CurrentUser) Active() bool    { return !u.Exited }
func (u *CurrentUser) Anonymous() bool { return false }

// TimeLeft returns the seconds remaining in the slot, never negative.
func (u *CurrentUser) TimeLeft() float64 {
	left := u.MaxDate - Timestamp()
	if left < 0 {
		return 0
	}
	return left
}

// TimeWithoutPolling returns the seconds elapsed since the last liveness
// signal.
func (u *CurrentUser) TimeWithoutPolling() float64 {
	return Timestamp() - u.LastPoll
}

// LoadUser resolves the external user through the given loader. A nil
// loader yields nil; loader failures are returned as-is, never swallowed.
func (u *CurrentUser) LoadUser(loader UserLoader) (any, error) {
	if loader == nil {
		return nil, nil
	}
	return loader(u.UsernameUnique)
}

// ToExpiredUser converts the user to its expired form, snapshotting the
// session data. DisposingResources starts true: the caller is expected to
// run teardown next.
func (u *CurrentUser) ToExpiredUser() *ExpiredUser {
	return NewExpiredUser(u.SessionRecord, u.Data.Snapshot(), true)
}

// ExpiredUser is a session past its slot, kept around for a grace period
// so the final redirect and post-hoc status queries still work.
type ExpiredUser struct {
	SessionRecord

	// DisposingResources is true while the dispose hook and task
	// draining are still in flight somewhere.
	DisposingResources bool

	data map[string]any
}

func NewExpiredUser(rec SessionRecord, data map[string]any, disposing bool) *ExpiredUser {
	return &ExpiredUser{SessionRecord: rec, DisposingResources: disposing, data: data}
}

func (u *ExpiredUser) Active() bool    { return false }
func (u *ExpiredUser) Anonymous() bool { return false }

// TimeLeft is always zero for an expired user.
func (u *ExpiredUser) TimeLeft() float64 { return 0 }

// Data returns a copy of the session data as it was at expiry.
func (u *ExpiredUser) Data() map[string]any {
	return copyMap(u.data)
}

// SetData always fails: expired session data is immutable.
func (u *ExpiredUser) SetData(map[string]any) error {
	return ErrReadOnlyData
}

// DataStore is a session's mutable data plus a content hash of the last
// persisted state, so per-request sync can skip unchanged data.
type DataStore struct {
	values     map[string]any
	storedHash uint32
}

func NewDataStore(data map[string]any) *DataStore {
	if data == nil {
		data = map[string]any{}
	}
	return &DataStore{values: data, storedHash: dataHash(data)}
}

func dataHash(data map[string]any) uint32 {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(raw)
}

// Values returns the live mapping. Mutations are picked up by Modified.
func (d *DataStore) Values() map[string]any { return d.values }

func (d *DataStore) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

func (d *DataStore) Set(key string, value any) {
	d.values[key] = value
}

// Replace swaps the whole mapping, keeping the stored hash so Modified
// still reflects "differs from what was last persisted".
func (d *DataStore) Replace(data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	d.values = data
}

// Snapshot returns a copy of the current values.
func (d *DataStore) Snapshot() map[string]any {
	return copyMap(d.values)
}

// Modified reports whether the values differ from the last persisted
// state.
func (d *DataStore) Modified() bool {
	return dataHash(d.values) != d.storedHash
}

// MarkStored records the current values as persisted.
func (d *DataStore) MarkStored() {
	d.storedHash = dataHash(d.values)
}
