// Package audit records role-synchronization decisions and protection
// verdicts. Events are append-only: written once, never mutated or deleted
// by this subsystem.
package audit

import (
	"context"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	// KindRoleSync records the outcome of a role synchronization.
	KindRoleSync Kind = "role_sync"
	// KindProtectionBlock records a request rejected by the protection stack.
	KindProtectionBlock Kind = "protection_block"
	// KindProtectionAllow records a request that passed the protection stack.
	KindProtectionAllow Kind = "protection_allow"
)

// Event is a single audit record. PrincipalID is empty for pre-auth events
// (protection verdicts on anonymous requests). Detail carries the
// kind-specific payload: resolved role, matched rule, token source, verdict
// reason, bucket key.
type Event struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	RequestID   string         `json:"request_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// QueryOptions filters and paginates audit queries.
type QueryOptions struct {
	PrincipalID string
	Provider    string
	Kind        Kind
	Since       *time.Time // events at or after this time
	Until       *time.Time // events at or before this time

	Limit  int // 0 means the default limit
	Offset int
}

// Validate applies defaults and caps to the query options.
func (o *QueryOptions) Validate() error {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return nil
}

// Store defines audit event persistence. Implementations must assign an ID
// and timestamp on Append when the event carries none, and must return
// events newest first from Query along with the total match count.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Query(ctx context.Context, opts QueryOptions) ([]*Event, int, error)
	Close() error
}

// copyEvent creates a deep-enough copy of an event. Detail values are
// shallow-copied; callers must not hand in maps they later mutate deeply.
func copyEvent(e *Event) *Event {
	if e == nil {
		return nil
	}
	cpy := *e
	if e.Detail != nil {
		cpy.Detail = make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			cpy.Detail[k] = v
		}
	}
	return &cpy
}

func matchesFilters(e *Event, opts QueryOptions) bool {
	if opts.PrincipalID != "" && e.PrincipalID != opts.PrincipalID {
		return false
	}
	if opts.Provider != "" && e.Provider != opts.Provider {
		return false
	}
	if opts.Kind != "" && e.Kind != opts.Kind {
		return false
	}
	if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && e.Timestamp.After(*opts.Until) {
		return false
	}
	return true
}
