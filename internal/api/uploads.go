package api

import (
	"errors"
	"net/http"

	"github.com/seqlab/helix/internal/upload"
)

// uploadResponse is the JSON response for POST /v1/uploads.
type uploadResponse struct {
	Path       string             `json:"path"`
	Validation *upload.Validation `json:"validation"`
}

// handleUpload accepts a multipart dataset upload under the "file" form field,
// persists it to the uploads directory, and returns the validation report.
// Files that fail validation are rejected with 422 and not kept on disk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxFileSize+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "multipart form field \"file\" is required")
		return
	}
	defer file.Close()

	path, validation, err := upload.Save(s.uploadsDir, header.Filename, file)
	if errors.Is(err, upload.ErrInvalidFile) {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("save upload", "filename", header.Filename, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	s.logger.Info("dataset uploaded", "path", path, "type", validation.FileType, "size", validation.FileSize)
	s.writeJSON(w, http.StatusCreated, uploadResponse{Path: path, Validation: validation})
}
