package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID, err := parseID(q.Get("account_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	contactID, err := parseID(q.Get("contact_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), storage.MessageFilter{
		AccountID: accountID,
		ContactID: contactID,
		Limit:     parseInt(q.Get("limit"), storage.DefaultMessageLimit),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) messageStats(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseID(r.URL.Query().Get("account_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.deps.Store.MessageStats(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := s.deps.Store.DeleteMessage(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, message("message record deleted"))
}

type sendRequest struct {
	AccountID  flexID   `json:"account_id"`
	ContactIDs []flexID `json:"contact_ids"`
	ContactID  flexID   `json:"contact_id"`
	Text       string   `json:"message_text"`
	FileID     string   `json:"file_id"`
	FileName   string   `json:"file_name"`
	// JobID lets a client subscribe to /api/messages/progress?job_id= before
	// sending. Must be a UUID; generated when empty.
	JobID string `json:"job_id"`
}

type sendResponse struct {
	Message string               `json:"message"`
	JobID   string               `json:"job_id"`
	Results dispatch.BatchResult `json:"results"`
}

// ProgressEvent is the payload of dispatch.progress events.
type ProgressEvent struct {
	JobID string `json:"job_id"`
	dispatch.Progress
}

// FinishedEvent is the payload of dispatch.started and dispatch.finished
// events.
type FinishedEvent struct {
	JobID     string `json:"job_id"`
	AccountID int64  `json:"account_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"success"`
	Failed    int    `json:"failed"`
	TookMS    int64  `json:"took_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// job is a validated send request.
type job struct {
	id       string
	account  storage.Account
	contacts []storage.Contact
	text     string
	fileID   string
	fileName string
	filePath string
}

// prepare validates the account, the attachment and the message. It writes
// the error response itself and returns false on failure.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request, req sendRequest) (job, bool) {
	j := job{
		id:       uuid.NewString(),
		text:     strings.TrimSpace(req.Text),
		fileID:   strings.TrimSpace(req.FileID),
		fileName: strings.TrimSpace(req.FileName),
	}
	if raw := strings.TrimSpace(req.JobID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "job_id must be a UUID")
			return j, false
		}
		j.id = id.String()
	}
	if j.text == "" && j.fileID == "" {
		writeError(w, http.StatusBadRequest, "message_text or file_id is required")
		return j, false
	}
	if j.fileID != "" {
		p, err := s.deps.Uploads.Resolve(j.fileID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "file not found or unavailable")
			return j, false
		}
		j.filePath = p
		if j.fileName == "" {
			j.fileName = j.fileID
		}
	}

	acc, err := s.deps.Store.GetAccount(r.Context(), int64(req.AccountID))
	if err == nil && !acc.Active {
		err = storage.ErrNotFound
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "active account not found")
		return j, false
	}
	if err != nil {
		writeErr(w, err)
		return j, false
	}
	j.account = acc
	return j, true
}

func (s *Server) sendBulk(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID <= 0 || len(req.ContactIDs) == 0 {
		writeError(w, http.StatusBadRequest, "account_id and a non-empty contact_ids array are required")
		return
	}
	j, ok := s.prepare(w, r, req)
	if !ok {
		return
	}

	ids := make([]int64, 0, len(req.ContactIDs))
	for _, id := range req.ContactIDs {
		ids = append(ids, int64(id))
	}
	contacts, err := s.deps.Store.ContactsByIDs(r.Context(), j.account.ID, ids)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(contacts) == 0 {
		writeError(w, http.StatusBadRequest, "no contacts found for this account")
		return
	}
	j.contacts = contacts

	res, err := s.run(r, j, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Message: "dispatch finished", JobID: j.id, Results: res})
}

func (s *Server) sendOne(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID <= 0 || req.ContactID <= 0 {
		writeError(w, http.StatusBadRequest, "account_id and contact_id are required")
		return
	}
	j, ok := s.prepare(w, r, req)
	if !ok {
		return
	}
	c, err := s.deps.Store.GetContact(r.Context(), int64(req.ContactID))
	if err == nil && c.AccountID != j.account.ID {
		err = storage.ErrNotFound
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	j.contacts = []storage.Contact{c}

	res, err := s.run(r, j, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	if res.Succeeded == 0 {
		detail := "unknown error"
		if len(res.Failures) > 0 {
			detail = res.Failures[0].Error
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "message was not delivered", "details": detail})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Message: "message sent", JobID: j.id, Results: res})
}

// run dispatches j and records the outcomes, in the background when async is
// set. The job is detached from the request context: a client that
// disconnects does not stop the dispatch.
func (s *Server) run(r *http.Request, j job, async bool) (dispatch.BatchResult, error) {
	ctx := context.WithoutCancel(r.Context())
	log := s.log.With(logx.String("job_id", j.id), logx.Int64("account_id", j.account.ID))

	m, err := s.deps.Pool.Get(ctx, j.account.BotToken)
	if err != nil {
		return dispatch.BatchResult{}, err
	}

	recipients := make([]dispatch.Recipient, len(j.contacts))
	for i, c := range j.contacts {
		recipients[i] = dispatch.Recipient{Address: c.ChatID, Name: c.Name}
	}

	s.publish(eventbus.TypeDispatchStarted, FinishedEvent{JobID: j.id, AccountID: j.account.ID, Total: len(recipients)})
	start := time.Now()
	res, err := s.deps.Dispatcher.DispatchBulk(ctx, m, dispatch.Job{
		Recipients: recipients,
		Text:       j.text,
		FilePath:   j.filePath,
		FileName:   j.fileName,
	}, func(p dispatch.Progress) {
		s.publish(eventbus.TypeDispatchProgress, ProgressEvent{JobID: j.id, Progress: p})
	})
	took := time.Since(start)

	done := FinishedEvent{
		JobID:     j.id,
		AccountID: j.account.ID,
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		TookMS:    took.Milliseconds(),
	}
	entry := storage.AuditEntry{
		Actor:  s.clientIP(r),
		Action: "dispatch",
		Target: strconv.FormatInt(j.account.ID, 10),
		OK:     res.Succeeded,
		Fail:   res.Failed,
		TookMS: took.Milliseconds(),
	}
	if err != nil {
		done.Error = err.Error()
		entry.Error = err.Error()
		s.publish(eventbus.TypeDispatchFinished, done)
		s.audit(ctx, entry)
		return dispatch.BatchResult{}, err
	}
	s.publish(eventbus.TypeDispatchFinished, done)
	log.Info("dispatch finished", logx.Int("total", res.Total), logx.Int("success", res.Succeeded), logx.Int("failed", res.Failed), logx.Duration("took", took))

	if !async {
		s.recordOutcomes(ctx, j, res, log)
		s.audit(ctx, entry)
		return res, nil
	}
	s.records.Add(1)
	go func() {
		defer s.records.Done()
		s.recordOutcomes(ctx, j, res, log)
		s.audit(ctx, entry)
	}()
	return res, nil
}

func (s *Server) recordOutcomes(ctx context.Context, j job, res dispatch.BatchResult, log logx.Logger) {
	now := time.Now()
	msgs := make([]storage.Message, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		if o.Index < 0 || o.Index >= len(j.contacts) {
			continue
		}
		m := storage.Message{
			AccountID: j.account.ID,
			ContactID: j.contacts[o.Index].ID,
			Text:      j.text,
			FileID:    j.fileID,
			FileName:  j.fileName,
			Status:    storage.StatusFailed,
			Error:     o.Error,
			CreatedAt: now,
		}
		if o.Success {
			m.Status = storage.StatusSent
			sentAt := now
			m.SentAt = &sentAt
		}
		msgs = append(msgs, m)
	}
	if err := s.deps.Store.RecordMessages(ctx, msgs); err != nil {
		log.Error("recording dispatch results failed", logx.Int("messages", len(msgs)), logx.Err(err))
	}
}

func (s *Server) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}
