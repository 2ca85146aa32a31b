package httpapi

import (
	"errors"
	"net/http"

	"courier/internal/storage"
)

const multipartMemory = 8 << 20

type uploadResponse struct {
	Message      string `json:"message"`
	FileID       string `json:"fileId"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
}

// upload stores the multipart "file" field and returns its id for a later
// send request.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	// Room for the multipart envelope on top of the file limit.
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Uploads.MaxSize()+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer f.Close()

	saved, err := s.deps.Uploads.Save(hdr.Filename, hdr.Header.Get("Content-Type"), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.audit(r.Context(), storage.AuditEntry{Actor: s.clientIP(r), Action: "upload", Target: saved.ID, OK: 1})
	writeJSON(w, http.StatusOK, uploadResponse{
		Message:      "file uploaded",
		FileID:       saved.ID,
		OriginalName: saved.OriginalName,
		Size:         saved.Size,
	})
}
