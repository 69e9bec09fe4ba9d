// Package status builds query-time views of a job, reconciling the
// persisted record against the files actually present on disk.
package status

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aaroniumii/dividemp4online/pkg/store"
)

// Payload is the query-time view of one job.
type Payload struct {
	JobID  string           `json:"job_id"`
	Status store.Status     `json:"status"`
	Record *store.JobRecord `json:"metadata"`
	Files  []string         `json:"files"`
}

// Reader answers status queries against the metadata store.
//
// For completed jobs the output listing in the payload is reconciled
// against the job's directory: when the persisted outputs field is empty
// or stale, the derived listing wins and the correction is persisted
// back. The correction only ever rewrites the outputs field; it never
// touches status or any other field, and writing the same derived value
// twice is a no-op in effect.
type Reader struct {
	store store.Store
}

// NewReader constructs a Reader over the given store.
func NewReader(st store.Store) *Reader {
	return &Reader{store: st}
}

// Query produces the payload for jobID.
//
// A job with no record and no output directory yields a NotFoundError;
// querying never creates state for unknown identifiers.
func (r *Reader) Query(ctx context.Context, jobID string) (*Payload, error) {
	record, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if record == nil {
		if !r.store.Exists(jobID) {
			return nil, store.NewNotFoundError("job", jobID)
		}
		// Directory present but document unreadable or not yet written:
		// report the job without inventing a lifecycle state.
		return &Payload{JobID: jobID, Status: "unknown", Files: []string{}}, nil
	}

	payload := &Payload{
		JobID:  jobID,
		Status: record.Status,
		Record: record,
		Files:  []string{},
	}
	if record.Status != store.StatusCompleted {
		return payload, nil
	}

	files := append([]string(nil), record.Outputs...)
	if len(files) == 0 {
		// Defensive fallback for records persisted before outputs were
		// tracked: derive the listing from the directory itself.
		files, err = r.listOutputs(jobID)
		if err != nil {
			return nil, fmt.Errorf("list outputs: %w", err)
		}
	}
	payload.Files = files

	if !slices.Equal(record.Outputs, files) {
		r.heal(ctx, payload, files)
	}
	return payload, nil
}

// heal persists the derived outputs listing. The rewrite goes through the
// store's atomic replace, so a concurrent writer sees either the old or
// the corrected document. Failures are logged; the in-memory payload
// already carries the derived value.
func (r *Reader) heal(ctx context.Context, payload *Payload, files []string) {
	corrected := payload.Record.Clone()
	corrected.Outputs = files
	if err := r.store.Put(ctx, payload.JobID, corrected); err != nil {
		log.Warn().
			Str("component", "status").
			Str("job_id", payload.JobID).
			Err(err).
			Msg("Failed to persist corrected outputs")
		// Still serve the corrected view.
		healed := *payload.Record
		healed.Outputs = files
		payload.Record = &healed
		return
	}
	log.Info().
		Str("component", "status").
		Str("job_id", payload.JobID).
		Int("outputs", len(files)).
		Msg("Corrected persisted outputs from directory listing")
	payload.Record = corrected
}

// listOutputs returns the artifact filenames in the job's directory,
// excluding the metadata document and writer droppings, sorted for
// determinism.
func (r *Reader) listOutputs(jobID string) ([]string, error) {
	entries, err := os.ReadDir(r.store.OutputDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	files := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == store.MetadataFilename ||
			strings.HasPrefix(name, store.MetadataFilename+".") {
			continue
		}
		files = append(files, name)
	}
	slices.Sort(files)
	return files, nil
}
