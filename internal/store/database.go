package store

import (
	"sort"
	"time"
)

// State is the project state of a database.
type State string

const (
	StateWorking         State = "WORKING"
	StateProjectInactive State = "PROJECT_INACTIVE"
)

// Database is one Vuforia cloud database: a credential set plus its targets,
// keyed by target ID. Tombstoned targets stay in the map.
type Database struct {
	Name            string
	ServerAccessKey string
	ServerSecretKey string
	ClientAccessKey string
	ClientSecretKey string
	State           State
	Targets         map[string]*Target
}

// DatabaseSpec describes a database to create. Empty credential fields and
// an empty name default to fresh random hex values; an empty state defaults
// to WORKING.
type DatabaseSpec struct {
	Name            string
	ServerAccessKey string
	ServerSecretKey string
	ClientAccessKey string
	ClientSecretKey string
	State           State
}

// NewDatabase creates a database from spec, filling in defaults.
func NewDatabase(spec DatabaseSpec) *Database {
	if spec.Name == "" {
		spec.Name = NewID()
	}
	if spec.ServerAccessKey == "" {
		spec.ServerAccessKey = NewID()
	}
	if spec.ServerSecretKey == "" {
		spec.ServerSecretKey = NewID()
	}
	if spec.ClientAccessKey == "" {
		spec.ClientAccessKey = NewID()
	}
	if spec.ClientSecretKey == "" {
		spec.ClientSecretKey = NewID()
	}
	if spec.State == "" {
		spec.State = StateWorking
	}
	return &Database{
		Name:            spec.Name,
		ServerAccessKey: spec.ServerAccessKey,
		ServerSecretKey: spec.ServerSecretKey,
		ClientAccessKey: spec.ClientAccessKey,
		ClientSecretKey: spec.ClientSecretKey,
		State:           spec.State,
		Targets:         map[string]*Target{},
	}
}

// NotDeletedTargets returns the live targets, ordered by upload date.
func (d *Database) NotDeletedTargets() []*Target {
	var out []*Target
	for _, t := range d.Targets {
		if !t.Deleted() {
			out = append(out, t)
		}
	}
	sortTargets(out)
	return out
}

// AllTargets returns every target including tombstones, ordered by upload
// date.
func (d *Database) AllTargets() []*Target {
	out := make([]*Target, 0, len(d.Targets))
	for _, t := range d.Targets {
		out = append(out, t)
	}
	sortTargets(out)
	return out
}

func sortTargets(targets []*Target) {
	sort.Slice(targets, func(i, j int) bool {
		if !targets[i].UploadDate.Equal(targets[j].UploadDate) {
			return targets[i].UploadDate.Before(targets[j].UploadDate)
		}
		return targets[i].ID < targets[j].ID
	})
}

// FindNotDeleted returns the live target with the given ID, or nil.
func (d *Database) FindNotDeleted(targetID string) *Target {
	t, ok := d.Targets[targetID]
	if !ok || t.Deleted() {
		return nil
	}
	return t
}

// ActiveCount counts live targets that finished processing successfully and
// are flagged active.
func (d *Database) ActiveCount(now time.Time) int {
	n := 0
	for _, t := range d.NotDeletedTargets() {
		if t.Status(now) == StatusSuccess && t.ActiveFlag {
			n++
		}
	}
	return n
}

// InactiveCount counts live successful targets flagged inactive.
func (d *Database) InactiveCount(now time.Time) int {
	n := 0
	for _, t := range d.NotDeletedTargets() {
		if t.Status(now) == StatusSuccess && !t.ActiveFlag {
			n++
		}
	}
	return n
}

// FailedCount counts live targets whose processing failed.
func (d *Database) FailedCount(now time.Time) int {
	n := 0
	for _, t := range d.NotDeletedTargets() {
		if t.Status(now) == StatusFailed {
			n++
		}
	}
	return n
}

// ProcessingCount counts live targets still in processing.
func (d *Database) ProcessingCount(now time.Time) int {
	n := 0
	for _, t := range d.NotDeletedTargets() {
		if t.Status(now) == StatusProcessing {
			n++
		}
	}
	return n
}

// DatabaseSnapshot is the serialisable representation of a database.
type DatabaseSnapshot struct {
	DatabaseName    string           `json:"database_name"`
	ServerAccessKey string           `json:"server_access_key"`
	ServerSecretKey string           `json:"server_secret_key"`
	ClientAccessKey string           `json:"client_access_key"`
	ClientSecretKey string           `json:"client_secret_key"`
	StateName       string           `json:"state_name"`
	Targets         []TargetSnapshot `json:"targets"`
}

// Snapshot serialises the database and all of its targets, tombstones
// included.
func (d *Database) Snapshot(now time.Time) DatabaseSnapshot {
	targets := make([]TargetSnapshot, 0, len(d.Targets))
	for _, t := range d.AllTargets() {
		targets = append(targets, t.Snapshot(now))
	}
	return DatabaseSnapshot{
		DatabaseName:    d.Name,
		ServerAccessKey: d.ServerAccessKey,
		ServerSecretKey: d.ServerSecretKey,
		ClientAccessKey: d.ClientAccessKey,
		ClientSecretKey: d.ClientSecretKey,
		StateName:       string(d.State),
		Targets:         targets,
	}
}

// DatabaseFromSnapshot reconstructs a database and its targets.
func DatabaseFromSnapshot(s DatabaseSnapshot) (*Database, error) {
	db := &Database{
		Name:            s.DatabaseName,
		ServerAccessKey: s.ServerAccessKey,
		ServerSecretKey: s.ServerSecretKey,
		ClientAccessKey: s.ClientAccessKey,
		ClientSecretKey: s.ClientSecretKey,
		State:           State(s.StateName),
		Targets:         make(map[string]*Target, len(s.Targets)),
	}
	if db.State == "" {
		db.State = StateWorking
	}
	for _, ts := range s.Targets {
		t, err := TargetFromSnapshot(ts)
		if err != nil {
			return nil, err
		}
		db.Targets[t.ID] = t
	}
	return db, nil
}
