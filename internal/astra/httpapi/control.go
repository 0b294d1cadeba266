package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	astragraph "github.com/astraforge/sandbox-core/internal/astra/graph"
	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// maxDocumentBytes and maxDocumentsPerSession enforce the Session
// Controller's upload_document quota: at most 5 documents per session, each
// capped at 10MiB.
const (
	maxDocumentBytes       = 10 * 1024 * 1024
	maxDocumentsPerSession = 5
)

var allowedDocumentExtensions = map[string]bool{
	".txt": true, ".md": true, ".pdf": true, ".csv": true, ".json": true,
	".yaml": true, ".yml": true, ".log": true, ".png": true, ".jpg": true, ".jpeg": true,
}

func (s *Server) routeControlSessions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/astra-control/sessions/")
	rest = strings.Trim(rest, "/")

	if rest == "" {
		switch r.Method {
		case http.MethodPost:
			s.createConversation(w, r)
		case http.MethodGet:
			s.listConversations(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.getConversation(w, r, sessionID)
	case (sub == "resume" || sub == "resume/") && r.Method == http.MethodPost:
		s.resumeConversation(w, r, sessionID)
	case (sub == "cancel" || sub == "cancel/") && r.Method == http.MethodPost:
		s.cancelConversation(w, r, sessionID)
	case (sub == "message" || sub == "message/") && r.Method == http.MethodPost:
		s.sendMessage(w, r, sessionID)
	case (sub == "upload_document" || sub == "upload_document/") && r.Method == http.MethodPost:
		s.uploadDocument(w, r, sessionID)
	case (sub == "stream" || sub == "stream/") && r.Method == http.MethodGet:
		s.streamConversation(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

type createConversationRequest struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid conversation request")
		return
	}
	sess, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Status:    model.ConversationCreated,
		Goal:      req.Goal,
		State: model.ConversationState{
			Messages: []model.Message{{Role: model.RoleUser, Content: req.Goal, CreatedAt: now}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveConversation(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.launchRun(sess, conv)
	writeJSON(w, http.StatusCreated, conv)
}

// launchRun dispatches the Agent Graph Driver for conv onto the Runner, if
// one is configured; a nil Runner means the caller drives conversations
// out of band (tests, or a CLI one-shot mode).
func (s *Server) launchRun(sess *model.Session, conv *model.Conversation) {
	if s.runner == nil || s.driver == nil {
		return
	}
	s.runner.Launch(sess.ID, func(ctx context.Context) error {
		err := s.driver.Run(ctx, sess, conv)
		if err != nil && s.log != nil {
			s.log.Warn(ctx, "conversation run ended with error", "session_id", sess.ID, "error", err)
		}
		return err
	})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	// The store indexes conversations by session, not a global list; the
	// Session Controller surfaces per-session history only.
	writeError(w, http.StatusNotImplemented, "list all conversations is not supported; query by session_id")
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request, sessionID string) {
	conv, err := s.store.GetConversationBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) resumeConversation(w http.ResponseWriter, r *http.Request, sessionID string) {
	conv, err := s.store.GetConversationBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if conv.Status != model.ConversationPaused {
		writeError(w, http.StatusConflict, "conversation is not paused")
		return
	}
	if s.inbox != nil && s.inbox.Push(sessionID, astragraph.ResumeSentinel) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "resuming"})
		return
	}
	writeError(w, http.StatusConflict, astraerrors.ErrNoPendingInterrupt.Error())
}

func (s *Server) cancelConversation(w http.ResponseWriter, r *http.Request, sessionID string) {
	conv, err := s.store.GetConversationBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if conv.Status == model.ConversationPaused && s.inbox != nil {
		s.inbox.Push(sessionID, astragraph.CancelSentinel)
	}
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err == nil {
		_ = s.sandbox.Terminate(r.Context(), sess, "cancelled via controller")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid message request")
		return
	}
	conv, err := s.store.GetConversationBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	if conv.Status == model.ConversationPaused {
		if s.inbox == nil || !s.inbox.Push(sessionID, req.Content) {
			writeError(w, http.StatusConflict, astraerrors.ErrNoPendingInterrupt.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
		return
	}

	// Not currently paused for interrupt: queue the message into state and
	// accept it; the next observer pass will pick it up once the run
	// reaches a yield point.
	conv.State.Messages = append(conv.State.Messages, model.Message{
		Role: model.RoleUser, Content: req.Content, CreatedAt: time.Now(),
	})
	if err := s.store.SaveConversation(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request, sessionID string) {
	conv, err := s.store.GetConversationBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if len(conv.State.Documents) >= maxDocumentsPerSession {
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("document limit of %d per session reached", maxDocumentsPerSession))
		return
	}

	if err := r.ParseMultipartForm(maxDocumentBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := extensionOf(header.Filename)
	if !allowedDocumentExtensions[ext] {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("extension %q is not allowed", ext))
		return
	}

	limited := io.LimitReader(file, maxDocumentBytes+1)
	content, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read upload failed")
		return
	}
	if len(content) > maxDocumentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds 10MiB limit")
		return
	}

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	destPath := strings.TrimRight(sess.WorkspacePath, "/") + "/uploads/" + header.Filename
	if err := s.sandbox.Upload(r.Context(), sess, destPath, content); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	doc := model.Document{Filename: header.Filename, Path: destPath, SizeBytes: int64(len(content)), UploadedAt: time.Now()}
	conv.State.Documents = append(conv.State.Documents, doc)
	if err := s.store.SaveConversation(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.bus != nil {
		payload, _ := json.Marshal(doc)
		s.bus.Publish(sessionID, model.Event{Type: model.EventDocumentUpload, Payload: payload})
	}
	writeJSON(w, http.StatusCreated, doc)
}

func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(filename[idx:])
}
