package progress

import (
	"encoding/json"
	"time"
)

// Record progress of one user on one piece of content
type Record struct {
	Key         ContentKey `json:"key"`
	Position    Position   `json:"position"`
	Completed   bool       `json:"completed"`
	LastUpdated time.Time  `json:"last_updated"` // client clock, millisecond precision
	Version     int64      `json:"version"`      // last remote version this record is based on, 0 if never synced
}

// Now current time at the precision records are stored with
func Now() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

// Validate .
func (r *Record) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	return r.Position.Validate()
}

// Clone .
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Equal same content state and version
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Key == o.Key &&
		r.Position == o.Position &&
		r.Completed == o.Completed &&
		r.Version == o.Version &&
		r.LastUpdated.UnixMilli() == o.LastUpdated.UnixMilli()
}

// InteractionEvent append-only interaction log entry
type InteractionEvent struct {
	ID              string          `json:"id"`
	Key             ContentKey      `json:"key"`
	Type            string          `json:"type" validate:"required,max=64"`
	Data            json.RawMessage `json:"data,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	Synced          bool            `json:"synced"`
}

// Validate .
func (e *InteractionEvent) Validate() error {
	if err := e.Key.Validate(); err != nil {
		return err
	}
	if e.ID == "" || e.Type == "" {
		return ErrInvalidRecord
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return ErrInvalidRecord
	}
	return nil
}
