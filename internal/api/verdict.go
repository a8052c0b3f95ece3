package api

import "time"

// VerdictReason is the machine-readable outcome of the protection stack.
type VerdictReason string

const (
	// ReasonOK means the request passed every protection check.
	ReasonOK VerdictReason = "ok"
	// ReasonOriginRejected means the Origin/Referer failed the allow-list.
	ReasonOriginRejected VerdictReason = "origin_rejected"
	// ReasonRateLimited means the client exhausted its request bucket.
	ReasonRateLimited VerdictReason = "rate_limited"
)

// ProtectionVerdict is the per-request decision of the protection stack.
// Ephemeral: never persisted itself, only its audit projection is.
type ProtectionVerdict struct {
	Allowed    bool
	Reason     VerdictReason
	BucketKey  string        // rate-limit bucket, empty for origin rejections
	Remaining  int           // remaining quota in the current window
	RetryAfter time.Duration // nonzero only when rate limited
}

// Detail renders the verdict as an audit detail payload.
func (v ProtectionVerdict) Detail() map[string]any {
	d := map[string]any{
		"reason": string(v.Reason),
	}
	if v.BucketKey != "" {
		d["bucket_key"] = v.BucketKey
		d["remaining"] = v.Remaining
	}
	if v.RetryAfter > 0 {
		d["retry_after_seconds"] = int(v.RetryAfter / time.Second)
	}
	return d
}
