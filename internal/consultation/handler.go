package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
	"medscribe/internal/ingest"
	"medscribe/internal/logging"
)

// ActorHeader carries the authenticated user id set by the upstream gateway.
const ActorHeader = "X-Actor-ID"

// API is what the HTTP layer needs. *Service satisfies it.
type API interface {
	Create(ctx context.Context, actor audit.Actor, req CreateRequest) (Ack, error)
	List(ctx context.Context, actor audit.Actor, f Filter) ([]*Consultation, error)
	GetStatus(ctx context.Context, actor audit.Actor, id uuid.UUID) (*Consultation, error)
	Start(ctx context.Context, actor audit.Actor, id uuid.UUID) error
	Cancel(ctx context.Context, actor audit.Actor, id uuid.UUID) error
	SubmitEdit(ctx context.Context, actor audit.Actor, id uuid.UUID, changes map[string]json.RawMessage, reason string) (*Consultation, error)
	History(ctx context.Context, actor audit.Actor, id uuid.UUID) ([]EditHistoryEntry, error)
	AuditTrail(ctx context.Context, actor audit.Actor, id uuid.UUID) ([]audit.Event, error)
	Approve(ctx context.Context, actor audit.Actor, id uuid.UUID, notes string) (*Consultation, error)
	Reject(ctx context.Context, actor audit.Actor, id uuid.UUID, reason string) (*Consultation, error)
	Artifact(ctx context.Context, actor audit.Actor, id uuid.UUID, kind string) ([]byte, error)
	RegenerateArtifacts(ctx context.Context, actor audit.Actor, id uuid.UUID) (*Consultation, error)
}

type Handler struct {
	svc        API
	maxUpload  int64
	retryAfter time.Duration
}

// NewHandler builds the handler. maxUpload bounds the multipart body.
func NewHandler(svc API, maxUpload int64, retryAfter time.Duration) *Handler {
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}
	return &Handler{svc: svc, maxUpload: maxUpload, retryAfter: retryAfter}
}

type actorKey struct{}

// RequireActor resolves the actor from ActorHeader.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(ActorHeader))
		if err != nil || id == uuid.Nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid " + ActorHeader, Category: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, audit.User(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) audit.Actor {
	actor, _ := r.Context().Value(actorKey{}).(audit.Actor)
	return actor
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Route("/consultations", func(r chi.Router) {
		r.Use(RequireActor)
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/start", h.Start)
			r.Post("/cancel", h.Cancel)
			r.Post("/edits", h.Edit)
			r.Get("/history", h.History)
			r.Get("/audit", h.Audit)
			r.Post("/approve", h.Approve)
			r.Post("/reject", h.Reject)
			r.Get("/document", h.Document)
			r.Get("/bundle", h.Bundle)
			r.Post("/artifacts", h.Regenerate)
		})
	})
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status == http.StatusLocked {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logging.NewLogger(r.Context()).WithField("path", r.URL.Path).Errorf("request failed: %v", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{
		Error:    msg,
		Category: string(errors.CategoryOf(err)),
		Field:    errors.FieldOf(err),
	})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, errors.Validation(component, "id", "invalid consultation id"))
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return errors.Validation(component, "body", "read body: %v", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Validation(component, "body", "invalid JSON: %v", err)
	}
	return nil
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, r, errors.Validation(component, "audio", "invalid multipart upload: %v", err))
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		h.writeError(w, r, errors.Validation(component, "audio", "audio file is required"))
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		h.writeError(w, r, errors.Validation(component, "audio", "read audio: %v", err))
		return
	}

	var declared time.Duration
	if v := r.FormValue("duration_seconds"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			h.writeError(w, r, errors.Validation(component, "duration_seconds", "invalid duration %q", v))
			return
		}
		declared = time.Duration(secs * float64(time.Second))
	}

	ack, err := h.svc.Create(r.Context(), actorFrom(r), CreateRequest{
		PatientName: r.FormValue("patient_name"),
		Language:    Language(r.FormValue("language")),
		Upload: ingest.Upload{
			Filename:         header.Filename,
			ContentType:      header.Header.Get("Content-Type"),
			Data:             buf.Bytes(),
			DeclaredDuration: declared,
		},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	f := Filter{Status: Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, errors.Validation(component, "limit", "invalid limit %q", v))
			return
		}
		f.Limit = limit
	}
	items, err := h.svc.List(r.Context(), actorFrom(r), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*Consultation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": items})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetStatus(r.Context(), actorFrom(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Start(r.Context(), actorFrom(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": StatusProcessing})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Cancel(r.Context(), actorFrom(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancel_requested": true})
}

type editRequest struct {
	Changes map[string]json.RawMessage `json:"changes"`
	Reason  string                     `json:"reason"`
}

func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.svc.SubmitEdit(r.Context(), actorFrom(r), id, req.Changes, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.History(r.Context(), actorFrom(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []EditHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	events, err := h.svc.AuditTrail(r.Context(), actorFrom(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type reviewRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.svc.Approve(r.Context(), actorFrom(r), id, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.svc.Reject(r.Context(), actorFrom(r), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Document(w http.ResponseWriter, r *http.Request) {
	h.artifact(w, r, ArtifactDocument, "application/pdf", ".pdf")
}

func (h *Handler) Bundle(w http.ResponseWriter, r *http.Request) {
	h.artifact(w, r, ArtifactBundle, "application/fhir+json", ".json")
}

func (h *Handler) artifact(w http.ResponseWriter, r *http.Request, kind, contentType, ext string) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	data, err := h.svc.Artifact(r.Context(), actorFrom(r), id, kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="consultation-`+id.String()+ext+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.RegenerateArtifacts(r.Context(), actorFrom(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
