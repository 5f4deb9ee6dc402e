package pgwire

// Severity is the PostgreSQL ErrorResponse/NoticeResponse "S" field.
type Severity string

const (
	ErrorFatal Severity = "FATAL"
)
