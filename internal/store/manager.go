package store

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/vwsmock/vwsmock/internal/rate"
)

var (
	// ErrDatabaseNotFound is returned when no database has the given name.
	ErrDatabaseNotFound = errors.New("database not found")

	// ErrTargetNotFound is returned when no live target has the given ID.
	ErrTargetNotFound = errors.New("target not found")

	// ErrDuplicateTargetName is returned when a live target already uses
	// the requested name.
	ErrDuplicateTargetName = errors.New("target name already exists")

	// ErrTargetNotSuccess is returned when an update is attempted on a
	// target that is not in the success status.
	ErrTargetNotSuccess = errors.New("target status is not success")

	// ErrTargetProcessing is returned when a delete is attempted on a
	// target that is still processing.
	ErrTargetProcessing = errors.New("target status is processing")
)

// DuplicateKeyError reports a database credential or name collision. Its
// message is the exact conflict text returned by the admin API.
type DuplicateKeyError struct {
	KeyName string
	Value   string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf(
		`All %ss must be unique. There is already a database with the %s "%s".`,
		e.KeyName, e.KeyName, e.Value,
	)
}

// TargetManager is the repository of databases. A single mutex guards all
// reads and writes; every mutation happens atomically under it. Stored
// targets are immutable, so the snapshots handed out by Databases can be
// read without further locking.
type TargetManager struct {
	mu             sync.Mutex
	databases      []*Database
	processingTime time.Duration
	rater          rate.Rater
	now            func() time.Time
}

// NewTargetManager creates an empty repository. A nil now falls back to
// time.Now.
func NewTargetManager(processingTime time.Duration, rater rate.Rater, now func() time.Time) *TargetManager {
	if now == nil {
		now = time.Now
	}
	return &TargetManager{
		processingTime: processingTime,
		rater:          rater,
		now:            now,
	}
}

// Now returns the repository's current time.
func (m *TargetManager) Now() time.Time {
	return m.now()
}

// AddDatabase registers a database after checking every credential and the
// name for uniqueness against each existing database, in a fixed order.
func (m *TargetManager) AddDatabase(db *Database) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.databases {
		checks := []struct {
			keyName  string
			newValue string
			oldValue string
		}{
			{"server access key", db.ServerAccessKey, existing.ServerAccessKey},
			{"server secret key", db.ServerSecretKey, existing.ServerSecretKey},
			{"client access key", db.ClientAccessKey, existing.ClientAccessKey},
			{"client secret key", db.ClientSecretKey, existing.ClientSecretKey},
			{"name", db.Name, existing.Name},
		}
		for _, c := range checks {
			if c.newValue == c.oldValue {
				return &DuplicateKeyError{KeyName: c.keyName, Value: c.newValue}
			}
		}
	}

	m.databases = append(m.databases, db)
	return nil
}

// RemoveDatabase deletes the database with the given name. It reports
// whether a database was removed.
func (m *TargetManager) RemoveDatabase(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, db := range m.databases {
		if db.Name == name {
			m.databases = append(m.databases[:i], m.databases[i+1:]...)
			return true
		}
	}
	return false
}

// Databases returns a point-in-time copy of every database. The copies
// share the stored (immutable) targets but not the maps, so callers may
// iterate them freely while mutations continue.
func (m *TargetManager) Databases() []*Database {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Database, len(m.databases))
	for i, db := range m.databases {
		clone := *db
		clone.Targets = make(map[string]*Target, len(db.Targets))
		for id, t := range db.Targets {
			clone.Targets[id] = t
		}
		out[i] = &clone
	}
	return out
}

// Database returns a point-in-time copy of the named database, or nil.
func (m *TargetManager) Database(name string) *Database {
	for _, db := range m.Databases() {
		if db.Name == name {
			return db
		}
	}
	return nil
}

// NewTargetParams are the fields of a target creation request.
type NewTargetParams struct {
	Name                string
	Width               float64
	Image               []byte
	ActiveFlag          bool
	ApplicationMetadata *string
}

// AddTarget creates a target in the named database. The name uniqueness
// check and the insert happen under one lock acquisition, so two
// concurrent adds with the same name cannot both succeed.
func (m *TargetManager) AddTarget(databaseName string, p NewTargetParams) (*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	db := m.findDatabase(databaseName)
	if db == nil {
		return nil, ErrDatabaseNotFound
	}
	for _, t := range db.Targets {
		if !t.Deleted() && t.Name == p.Name {
			return nil, ErrDuplicateTargetName
		}
	}

	t := NewTarget(
		p.Name, p.Width, p.Image, p.ActiveFlag, p.ApplicationMetadata,
		m.processingTime, m.rater, m.now(),
	)
	db.Targets[t.ID] = t
	return t, nil
}

// TargetUpdate carries the fields of an update request. Nil pointers mean
// the field is unchanged.
type TargetUpdate struct {
	Name                *string
	Width               *float64
	Image               []byte
	ActiveFlag          *bool
	ApplicationMetadata *string
}

// UpdateTarget replaces the stored target with a new version carrying the
// changed fields. The update re-enters processing and redraws the tracking
// rating so the change is observable.
func (m *TargetManager) UpdateTarget(databaseName, targetID string, upd TargetUpdate) (*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	db := m.findDatabase(databaseName)
	if db == nil {
		return nil, ErrDatabaseNotFound
	}
	t := db.FindNotDeleted(targetID)
	if t == nil {
		return nil, ErrTargetNotFound
	}

	now := m.now()
	if t.Status(now) != StatusSuccess {
		return nil, ErrTargetNotSuccess
	}
	if upd.Name != nil && *upd.Name != t.Name {
		for _, other := range db.Targets {
			if !other.Deleted() && other.ID != targetID && other.Name == *upd.Name {
				return nil, ErrDuplicateTargetName
			}
		}
	}

	next := *t
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.Width != nil {
		next.Width = *upd.Width
	}
	if upd.ActiveFlag != nil {
		next.ActiveFlag = *upd.ActiveFlag
	}
	if upd.ApplicationMetadata != nil {
		next.ApplicationMetadata = upd.ApplicationMetadata
	}
	if upd.Image != nil {
		next.Image = upd.Image
		next.finalStatus = finalStatusFor(upd.Image)
	}
	next.LastModified = now
	next.rating = redrawRating(t.rating)

	db.Targets[targetID] = &next
	return &next, nil
}

// DeleteTarget tombstones a target. The target stays in the database with
// its delete date set.
func (m *TargetManager) DeleteTarget(databaseName, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db := m.findDatabase(databaseName)
	if db == nil {
		return ErrDatabaseNotFound
	}
	t := db.FindNotDeleted(targetID)
	if t == nil {
		return ErrTargetNotFound
	}

	now := m.now()
	if t.Status(now) == StatusProcessing {
		return ErrTargetProcessing
	}

	next := *t
	deleteDate := now
	next.DeleteDate = &deleteDate
	db.Targets[targetID] = &next
	return nil
}

func (m *TargetManager) findDatabase(name string) *Database {
	for _, db := range m.databases {
		if db.Name == name {
			return db
		}
	}
	return nil
}

// redrawRating draws a fresh rating from 0..5, never repeating prev.
func redrawRating(prev int) int {
	if prev < 0 || prev > 5 {
		return rand.Intn(6)
	}
	r := rand.Intn(5)
	if r >= prev {
		r++
	}
	return r
}
