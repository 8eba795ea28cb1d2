package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/cvflow/internal/errors"
	"github.com/3leaps/cvflow/internal/server/sim"
	"github.com/3leaps/cvflow/pkg/flow"
)

const maxUploadMemory = 32 << 20

// progressBody is the wire shape of a progress response.
type progressBody struct {
	Complete bool           `json:"complete"`
	Status   string         `json:"status"`
	Progress progressDetail `json:"progress"`
	Summary  map[string]any `json:"summary,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
}

type progressDetail struct {
	Current         int    `json:"current"`
	Total           int    `json:"total"`
	Status          string `json:"status"`
	CurrentFilename string `json:"current_filename,omitempty"`
}

// BackendHandler serves the job endpoints of every flow in a catalog.
type BackendHandler struct {
	backend *sim.Backend
	catalog *flow.Catalog
	logger  *zap.Logger
}

// NewBackendHandler creates a handler for catalog backed by b.
func NewBackendHandler(b *sim.Backend, catalog *flow.Catalog, logger *zap.Logger) *BackendHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendHandler{backend: b, catalog: catalog, logger: logger}
}

// Mount registers the session, start, progress and result routes.
func (h *BackendHandler) Mount(r chi.Router) {
	for _, name := range h.catalog.FlowNames() {
		f, err := h.catalog.Flow(name)
		if err != nil {
			continue
		}
		if f.SessionEndpoint != "" {
			r.Post(f.SessionEndpoint, h.createSession(f))
		}
		for _, stepName := range f.StepNames() {
			s := f.Steps[stepName]
			ep := s.Endpoints
			r.Post(ep.Start, h.start(f, s))
			r.Get(RoutePattern(ep.Progress), h.progress(f, s))
			if ep.Result != "" {
				r.Get(RoutePattern(ep.Result), h.result(f, s))
			}
		}
	}
}

// RoutePattern turns an endpoint path into a chi pattern with a
// {session_id} parameter.
func RoutePattern(path string) string {
	path = strings.TrimRight(strings.TrimSpace(path), "/")
	if strings.Contains(path, "{session_id}") {
		return path
	}
	return path + "/{session_id}"
}

func stepKey(f *flow.Flow, s *flow.Step) string {
	return f.Name + "/" + s.Name
}

func (h *BackendHandler) createSession(f *flow.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields := map[string]string{}
		if r.ContentLength != 0 {
			var err error
			fields, err = decodeJSONFields(r.Body)
			if err != nil {
				respondWithError(w, r, apperrors.BadRequest(err.Error()))
				return
			}
		}
		id := h.backend.CreateSession(f.Name, fields)
		h.logger.Info("session created", zap.String("flow", f.Name), zap.String("session_id", id))
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
	}
}

func (h *BackendHandler) start(f *flow.Flow, s *flow.Step) http.HandlerFunc {
	key := stepKey(f, s)
	return func(w http.ResponseWriter, r *http.Request) {
		req, sessionID, err := decodeStartRequest(r)
		if err != nil {
			respondWithError(w, r, apperrors.BadRequest(err.Error()))
			return
		}
		if sessionID == "" {
			respondWithError(w, r, apperrors.BadRequest("session_id is required"))
			return
		}

		resp, err := h.backend.StartJob(sessionID, key, s.Result, req)
		if err != nil {
			h.respondSimError(w, r, err)
			return
		}
		h.logger.Info("job start",
			zap.String("session_id", sessionID),
			zap.String("step", key),
			zap.String("status", resp.Status),
			zap.Int("total", resp.TotalItems))
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *BackendHandler) progress(f *flow.Flow, s *flow.Step) http.HandlerFunc {
	key := stepKey(f, s)
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		p, err := h.backend.Progress(sessionID, key)
		if err != nil {
			h.respondSimError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, progressBody{
			Complete: p.Complete,
			Status:   p.State(),
			Progress: progressDetail{
				Current:         p.Current,
				Total:           p.Total,
				Status:          p.Status,
				CurrentFilename: p.Filename,
			},
			Summary: p.Summary,
			Errors:  p.Errors,
		})
	}
}

func (h *BackendHandler) result(f *flow.Flow, s *flow.Step) http.HandlerFunc {
	key := stepKey(f, s)
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		v, err := h.backend.Result(sessionID, key)
		if err != nil {
			h.respondSimError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (h *BackendHandler) respondSimError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sim.ErrUnknownSession), errors.Is(err, sim.ErrNoJob):
		respondWithError(w, r, apperrors.NotFound(err.Error()))
	case errors.Is(err, sim.ErrNotReady):
		respondWithError(w, r, apperrors.Conflict(err.Error()))
	default:
		respondWithError(w, r, apperrors.Internal(err))
	}
}

// decodeStartRequest reads a JSON or multipart start body.
func decodeStartRequest(r *http.Request) (sim.StartRequest, string, error) {
	req := sim.StartRequest{Fields: map[string]string{}}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			return req, "", fmt.Errorf("parse multipart body: %w", err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		for k, vs := range r.MultipartForm.Value {
			if len(vs) > 0 {
				req.Fields[k] = vs[0]
			}
		}
		for _, fh := range r.MultipartForm.File["files"] {
			req.Files = append(req.Files, fh.Filename)
		}
	} else {
		fields, err := decodeJSONFields(r.Body)
		if err != nil {
			return req, "", err
		}
		req.Fields = fields
	}

	sessionID := strings.TrimSpace(req.Fields["session_id"])
	delete(req.Fields, "session_id")
	return req, sessionID, nil
}

// decodeJSONFields decodes a JSON object, rendering non-string values as
// JSON text.
func decodeJSONFields(body io.Reader) (map[string]string, error) {
	var raw map[string]any
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("decode JSON body: %w", err)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			fields[k] = t
		case nil:
			fields[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encode field %s: %w", k, err)
			}
			fields[k] = string(b)
		}
	}
	return fields, nil
}
