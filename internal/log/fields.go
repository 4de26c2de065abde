package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldJobID     = "job_id"
	FieldJobType   = "job_type"
	FieldPool      = "pool"
	FieldRouteID   = "route_id"
	FieldSessionID = "session_id"
	FieldHandler   = "handler"
	FieldOutcome   = "outcome"
)
