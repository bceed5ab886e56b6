// Package store holds the in-memory model: targets, databases and the
// repository that owns them. Targets are immutable once stored; every
// mutation replaces the stored value with a new version.
package store

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vwsmock/vwsmock/internal/imagecheck"
	"github.com/vwsmock/vwsmock/internal/rate"
)

// Status is the lifecycle status of a target as reported on the wire.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Target is one image target within a database. The status and tracking
// rating are derived from timestamps rather than flipped by a background
// job, so reads are pure functions of the current time.
type Target struct {
	ID                  string
	Name                string
	Width               float64
	Image               []byte
	ActiveFlag          bool
	ApplicationMetadata *string
	ProcessingTime      time.Duration
	UploadDate          time.Time
	LastModified        time.Time
	DeleteDate          *time.Time

	// rating is the post-processing tracking rating, drawn at creation.
	rating int

	// finalStatus is the status the target settles into once processing
	// elapses, decided by the image statistics at creation.
	finalStatus Status
}

// NewTarget creates a target. The tracking rating and the post-processing
// status are both fixed here so that later reads are deterministic.
func NewTarget(
	name string,
	width float64,
	image []byte,
	activeFlag bool,
	metadata *string,
	processingTime time.Duration,
	rater rate.Rater,
	now time.Time,
) *Target {
	return &Target{
		ID:                  NewID(),
		Name:                name,
		Width:               width,
		Image:               image,
		ActiveFlag:          activeFlag,
		ApplicationMetadata: metadata,
		ProcessingTime:      processingTime,
		UploadDate:          now,
		LastModified:        now,
		rating:              rater.Rate(image),
		finalStatus:         finalStatusFor(image),
	}
}

// NewID returns a UUIDv4 rendered as 32 hex characters without dashes, the
// format used for target, transaction and query identifiers.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// finalStatusFor decides whether processing will end in success or failure.
// Images with almost no contrast fail.
func finalStatusFor(image []byte) Status {
	stddev, err := imagecheck.MeanStdDev(image)
	if err != nil || stddev <= 5 {
		return StatusFailed
	}
	return StatusSuccess
}

// Status reports the target's status at the given time. A target is
// processing while the processing window since its last modification has
// not yet elapsed.
func (t *Target) Status(now time.Time) Status {
	if now.Sub(t.LastModified) <= t.ProcessingTime {
		return StatusProcessing
	}
	return t.finalStatus
}

// TrackingRating reports the rating at the given time. For the first half
// of the processing window after upload the rating is -1.
func (t *Target) TrackingRating(now time.Time) int {
	if now.Sub(t.UploadDate) <= t.ProcessingTime/2 {
		return -1
	}
	return t.rating
}

// Deleted reports whether the target has been tombstoned.
func (t *Target) Deleted() bool {
	return t.DeleteDate != nil
}

// TargetSnapshot is the serialisable representation of a target.
type TargetSnapshot struct {
	Name                  string  `json:"name"`
	Width                 float64 `json:"width"`
	ImageBase64           string  `json:"image_base64"`
	ActiveFlag            bool    `json:"active_flag"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
	ApplicationMetadata   *string `json:"application_metadata"`
	TargetID              string  `json:"target_id"`
	LastModifiedDate      string  `json:"last_modified_date"`
	DeleteDateOptional    *string `json:"delete_date_optional"`
	UploadDate            string  `json:"upload_date"`
	TrackingRating        int     `json:"tracking_rating"`
}

// Snapshot serialises the target, including tombstones.
func (t *Target) Snapshot(now time.Time) TargetSnapshot {
	var deleteDate *string
	if t.DeleteDate != nil {
		s := t.DeleteDate.Format(time.RFC3339Nano)
		deleteDate = &s
	}
	return TargetSnapshot{
		Name:                  t.Name,
		Width:                 t.Width,
		ImageBase64:           base64.StdEncoding.EncodeToString(t.Image),
		ActiveFlag:            t.ActiveFlag,
		ProcessingTimeSeconds: t.ProcessingTime.Seconds(),
		ApplicationMetadata:   t.ApplicationMetadata,
		TargetID:              t.ID,
		LastModifiedDate:      t.LastModified.Format(time.RFC3339Nano),
		DeleteDateOptional:    deleteDate,
		UploadDate:            t.UploadDate.Format(time.RFC3339Nano),
		TrackingRating:        t.TrackingRating(now),
	}
}

// TargetFromSnapshot reconstructs a target from its serialised form. The
// snapshot's tracking rating becomes the fixed post-processing rating.
func TargetFromSnapshot(s TargetSnapshot) (*Target, error) {
	image, err := base64.StdEncoding.DecodeString(s.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	upload, err := time.Parse(time.RFC3339Nano, s.UploadDate)
	if err != nil {
		return nil, fmt.Errorf("parsing upload_date: %w", err)
	}
	lastModified, err := time.Parse(time.RFC3339Nano, s.LastModifiedDate)
	if err != nil {
		return nil, fmt.Errorf("parsing last_modified_date: %w", err)
	}
	var deleteDate *time.Time
	if s.DeleteDateOptional != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *s.DeleteDateOptional)
		if err != nil {
			return nil, fmt.Errorf("parsing delete_date_optional: %w", err)
		}
		deleteDate = &parsed
	}
	return &Target{
		ID:                  s.TargetID,
		Name:                s.Name,
		Width:               s.Width,
		Image:               image,
		ActiveFlag:          s.ActiveFlag,
		ApplicationMetadata: s.ApplicationMetadata,
		ProcessingTime:      time.Duration(s.ProcessingTimeSeconds * float64(time.Second)),
		UploadDate:          upload,
		LastModified:        lastModified,
		DeleteDate:          deleteDate,
		rating:              s.TrackingRating,
		finalStatus:         finalStatusFor(image),
	}, nil
}
