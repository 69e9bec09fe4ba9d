package store

import "time"

// MetadataFilename is the per-job document name inside the job's output
// directory. Everything else in that directory is an output artifact.
const MetadataFilename = "metadata.json"

// Status represents the lifecycle state of a job.
type Status string

// Valid job statuses. A job starts as processing and moves exactly once to
// completed or error.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the Status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status admits no further transition.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// JobRecord is the durable metadata document for one split job.
//
// One record exists per job, stored as metadata.json inside the job's
// output directory. The document on disk is always either the previous
// valid record or the new valid record; writers replace it atomically.
type JobRecord struct {
	// JobID is the unique identifier for the job (UUID hex).
	JobID string `json:"job_id"`

	// OriginalFilename is the sanitized caller-supplied name.
	// Immutable after creation.
	OriginalFilename string `json:"original_filename"`

	// Parts is the requested number of output clips (2-4 inclusive).
	Parts int `json:"parts"`

	// Status is the current lifecycle state.
	// Transitions: processing -> completed, or processing -> error.
	// Terminal states never change again.
	Status Status `json:"status"`

	// CreatedAt is when the job was submitted (UTC).
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is when the job reached a terminal state (UTC).
	// Zero while the job is still processing.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Outputs is the ordered list of output filenames.
	// Non-empty if and only if Status is completed.
	Outputs []string `json:"outputs"`

	// ErrorMessage contains the failure description when Status is error.
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewJobRecord builds the initial processing record for a submission.
func NewJobRecord(jobID, originalFilename string, parts int) *JobRecord {
	return &JobRecord{
		JobID:            jobID,
		OriginalFilename: originalFilename,
		Parts:            parts,
		Status:           StatusProcessing,
		CreatedAt:        time.Now().UTC(),
		Outputs:          []string{},
	}
}

// Clone returns a deep copy of the record. Callers that mutate a record
// read from the store should clone first so concurrent readers are not
// affected.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Outputs = append([]string(nil), r.Outputs...)
	return &cp
}
