package domain

// Replay outcome status codes, as written to the error report.
const (
	StatusCodeOK    = 0
	StatusCodeError = 2
)

// LogEntry is one qualifying audit-log row with its canonical mask and hash.
type LogEntry struct {
	Time     string
	Database string
	RawQuery string
	User     string
	SourceIP string
	SQLMask  string
	SQLHash  string
}

// SampleRecord is the representative example of one distinct query shape.
type SampleRecord struct {
	TaskID   string
	SQLHash  string
	SQLMask  string
	RawQuery string
	Database string
}

// ReplayOutcome is the result of replaying one admitted LogEntry.
type ReplayOutcome struct {
	Entry      LogEntry
	StatusCode int
	Message    string
}

// Failed reports whether the replay raised an error.
func (o ReplayOutcome) Failed() bool { return o.StatusCode == StatusCodeError }

// Credentials authenticate against the replay target database.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port,omitempty"`
}
