package api

import (
	"net/http"
	"strconv"
	"time"

	"serverhub/internal/audit"
)

// handleAuditQuery returns filtered, paginated audit events, newest first.
// GET /api/v1/audit/events?principal_id=&provider=&kind=&since=&until=&limit=&offset=
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	opts := audit.QueryOptions{
		PrincipalID: q.Get("principal_id"),
		Provider:    q.Get("provider"),
		Kind:        audit.Kind(q.Get("kind")),
	}

	switch opts.Kind {
	case "", audit.KindRoleSync, audit.KindProtectionBlock, audit.KindProtectionAllow:
	default:
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid kind", string(opts.Kind))
		return
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid since timestamp", err.Error())
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid until timestamp", err.Error())
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid offset", v)
			return
		}
		opts.Offset = n
	}

	events, total, err := s.auditStore.Query(ctx, opts)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "audit query failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Events []*audit.Event `json:"events"`
		Total  int            `json:"total"`
	}{Events: events, Total: total})
}
