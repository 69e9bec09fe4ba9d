package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aaroniumii/dividemp4online/pkg/runner"
	"github.com/aaroniumii/dividemp4online/pkg/store"
)

// Submission bounds. Inputs outside these never create a job.
const (
	minParts = 2
	maxParts = 4
)

// allowedExtensions lists the accepted upload file types.
var allowedExtensions = map[string]bool{
	".mp4": true,
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"MinParts": minParts,
		"MaxParts": maxParts,
	})
}

// handleUpload validates the submission, persists the initial processing
// record, and enqueues the job. It returns before any processing starts;
// the outcome is observable only via the status endpoints.
func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("video")
	if err != nil {
		s.rejectUpload(c, "Please choose an MP4 file to upload.")
		return
	}
	if !allowedFile(fileHeader.Filename) {
		s.rejectUpload(c, "Only MP4 files are supported.")
		return
	}
	parts, err := strconv.Atoi(c.PostForm("parts"))
	if err != nil || parts < minParts || parts > maxParts {
		s.rejectUpload(c, fmt.Sprintf("Please choose between %d and %d parts.", minParts, maxParts))
		return
	}

	jobID := uuid.New().String()
	uploadDir := s.store.UploadDir(jobID)
	outputDir := s.store.OutputDir(jobID)
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			writeError(c, fmt.Errorf("create job directory: %w", err))
			return
		}
	}

	filename := sanitizeFilename(fileHeader.Filename)
	savedPath := filepath.Join(uploadDir, filename)
	if err := c.SaveUploadedFile(fileHeader, savedPath); err != nil {
		writeError(c, fmt.Errorf("save uploaded file: %w", err))
		return
	}
	log.Info().
		Str("component", "server").
		Str("job_id", jobID).
		Str("filename", filename).
		Int("parts", parts).
		Int64("size_bytes", fileHeader.Size).
		Msg("Saved uploaded file")

	record := store.NewJobRecord(jobID, filename, parts)
	if err := s.store.Put(c.Request.Context(), jobID, record); err != nil {
		writeError(c, fmt.Errorf("persist initial record: %w", err))
		return
	}

	err = s.pool.Submit(runner.Request{
		ID:         jobID,
		SourcePath: savedPath,
		OutputDir:  outputDir,
		Parts:      parts,
		Record:     record,
	})
	if err != nil {
		// The job never ran and never will; close its record out so the
		// status endpoint does not report processing forever.
		failed := record.Clone()
		failed.Status = store.StatusError
		failed.CompletedAt = time.Now().UTC()
		failed.ErrorMessage = "the server could not accept the job, please try again later"
		if putErr := s.store.Put(c.Request.Context(), jobID, failed); putErr != nil {
			log.Error().
				Str("component", "server").
				Str("job_id", jobID).
				Err(putErr).
				Msg("Failed to close out unsubmitted job")
		}
		writeJSONError(c, http.StatusServiceUnavailable, "Service Unavailable", "QUEUE_FULL",
			"the server is busy, please try again later")
		return
	}

	if wantsHTML(c) {
		c.Redirect(http.StatusSeeOther, "/result/"+jobID)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     jobID,
		"status":     store.StatusProcessing,
		"status_url": "/status/" + jobID,
		"result_url": "/result/" + jobID,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	jobID := c.Param("id")
	payload, err := s.reader.Query(c.Request.Context(), jobID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Warn().
				Str("component", "server").
				Str("job_id", jobID).
				Msg("Status requested for missing job")
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleResult(c *gin.Context) {
	jobID := c.Param("id")
	payload, err := s.reader.Query(c.Request.Context(), jobID)
	if err != nil {
		if store.IsNotFound(err) {
			c.Redirect(http.StatusFound, "/")
			return
		}
		writeError(c, err)
		return
	}

	c.HTML(http.StatusOK, "result.html", gin.H{
		"JobID":   jobID,
		"Status":  payload.Status.String(),
		"Record":  payload.Record,
		"Files":   payload.Files,
		"Refresh": payload.Status == store.StatusProcessing,
	})
}

func (s *Server) handleDownload(c *gin.Context) {
	jobID := c.Param("id")
	filename := c.Param("filename")

	if filepath.Base(filename) != filename || filename == "." || filename == ".." ||
		filename == store.MetadataFilename {
		writeJSONError(c, http.StatusBadRequest, "Bad Request", "INVALID_FILENAME",
			"invalid download filename")
		return
	}
	if !s.store.Exists(jobID) {
		writeError(c, store.NewNotFoundError("job", jobID))
		return
	}

	path := filepath.Join(s.store.OutputDir(jobID), filename)
	if _, err := os.Stat(path); err != nil {
		writeError(c, store.NewNotFoundError("file", filename))
		return
	}

	log.Info().
		Str("component", "server").
		Str("job_id", jobID).
		Str("filename", filename).
		Msg("Serving download")
	c.FileAttachment(path, filename)
}

// rejectUpload reports a validation failure. Browser form posts get the
// upload page back with the message; API clients get a JSON error.
func (s *Server) rejectUpload(c *gin.Context, message string) {
	if wantsHTML(c) {
		c.HTML(http.StatusBadRequest, "index.html", gin.H{
			"MinParts": minParts,
			"MaxParts": maxParts,
			"Flash":    message,
		})
		return
	}
	writeJSONError(c, http.StatusBadRequest, "Bad Request", "INVALID_SUBMISSION", message)
}

func wantsHTML(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html")
}

// allowedFile checks the upload's extension against the accepted types.
func allowedFile(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// sanitizeFilename reduces a caller-supplied name to a safe base name:
// path separators are stripped and anything outside letters, digits,
// dot, dash, and underscore is replaced.
func sanitizeFilename(name string) string {
	base := filepath.Base(filepath.ToSlash(name))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	ext := filepath.Ext(cleaned)
	stem := strings.Trim(strings.TrimSuffix(cleaned, ext), "._-")
	if stem == "" {
		stem = "upload"
	}
	return stem + strings.ToLower(ext)
}
