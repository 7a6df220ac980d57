package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ruteri/stowage/api"
	"github.com/ruteri/stowage/interfaces"
)

// RequestIDHeader carries the per-request identifier assigned by the server.
const RequestIDHeader = "X-Request-ID"

// Handler serves the object gateway routes on top of a storage composite.
type Handler struct {
	storage       interfaces.Storage[string]
	maxObjectSize int64
	log           *slog.Logger
}

// NewHandler creates a handler for store. maxObjectSize bounds upload bodies
// when positive.
func NewHandler(store interfaces.Storage[string], maxObjectSize int64, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		storage:       store,
		maxObjectSize: maxObjectSize,
		log:           log,
	}
}

// HandleExists answers HEAD /api/objects/{id} with 200 or 404.
func (h *Handler) HandleExists(w http.ResponseWriter, r *http.Request) {
	id, ok := h.objectID(w, r)
	if !ok {
		return
	}

	exists, err := h.storage.Exists(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "exists", id, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandlePut stores the request body under the path identifier. The request
// Content-Length is passed on as the size hint.
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := h.objectID(w, r)
	if !ok {
		return
	}

	sizeHint := r.ContentLength
	if sizeHint < 0 {
		sizeHint = interfaces.UnknownSize
	}
	if h.maxObjectSize > 0 {
		if sizeHint > h.maxObjectSize {
			h.writeJSONError(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{
				Error: "object exceeds the maximum size",
				Kind:  interfaces.KindGeneric.String(),
			})
			return
		}
		r.Body = &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, h.maxObjectSize)}
	}

	if err := h.storage.Put(r.Context(), id, r.Body, sizeHint); err != nil {
		// Backends may not keep the body error in their chain.
		if lb, ok := r.Body.(*limitedBody); ok && lb.exceeded != nil && !errors.As(err, new(*http.MaxBytesError)) {
			err = fmt.Errorf("%w: %w", lb.exceeded, err)
		}
		h.writeError(w, r, "put", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGet streams the object into the response. Headers are committed
// only once the storage produced the first byte, so a failure before that
// is still reported with a proper status.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.objectID(w, r)
	if !ok {
		return
	}

	lw := &lazyResponseWriter{w: w}
	n, err := h.storage.GetInto(r.Context(), id, lw)
	if err == nil {
		if !lw.started {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusOK)
		}
		return
	}

	if !lw.started {
		h.writeError(w, r, "get", id, err)
		return
	}

	// The status is already sent. Report the failure in the trailer.
	w.Header().Set(api.StreamErrorTrailer, interfaces.KindOf(err).String())
	h.log.Error("Object stream interrupted",
		"err", err,
		slog.String("id", id),
		slog.Int64("bytes", n),
		slog.String("requestID", w.Header().Get(RequestIDHeader)))
}

// HandleDelete removes the object. Deleting a missing identifier succeeds.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.objectID(w, r)
	if !ok {
		return
	}

	if err := h.storage.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, "delete", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleList answers GET /api/objects?prefix= with the matching identifiers.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	keys, err := interfaces.Collect(h.storage.List(r.Context(), prefix))
	if err != nil {
		h.writeError(w, r, "list", prefix, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.ListResponse{Keys: keys}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// objectID extracts the identifier following the objects route prefix.
// r.URL.Path is already unescaped, so identifiers may contain any character.
func (h *Handler) objectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, api.ObjectsPath+"/")
	if id == "" || id == r.URL.Path {
		h.writeJSONError(w, http.StatusBadRequest, api.ErrorResponse{
			Error: "missing object identifier",
			Kind:  interfaces.KindGeneric.String(),
		})
		return "", false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	status := StatusFor(err)
	attrs := []any{
		"err", err,
		slog.String("op", op),
		slog.String("id", id),
		slog.Int("status", status),
		slog.String("requestID", w.Header().Get(RequestIDHeader)),
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("Storage operation failed", attrs...)
	} else {
		h.log.Debug("Storage operation rejected", attrs...)
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	h.writeJSONError(w, status, api.NewErrorResponse(err))
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, resp api.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode error response", "err", err)
	}
}

// StatusFor maps a storage error to the gateway's HTTP status code.
func StatusFor(err error) int {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}

	switch interfaces.KindOf(err) {
	case interfaces.KindNotFound:
		return http.StatusNotFound
	case interfaces.KindPermissionDenied, interfaces.KindReadOnlyViolation:
		return http.StatusForbidden
	case interfaces.KindMirrorFailure:
		return http.StatusBadGateway
	case interfaces.KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// limitedBody records whether the size limit of an upload was hit.
type limitedBody struct {
	io.ReadCloser
	exceeded *http.MaxBytesError
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		b.exceeded = maxBytes
	}
	return n, err
}

// lazyResponseWriter commits the 200 status on the first body write.
type lazyResponseWriter struct {
	w       http.ResponseWriter
	started bool
}

func (lw *lazyResponseWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !lw.started {
		lw.w.Header().Set("Content-Type", "application/octet-stream")
		lw.w.Header().Set("Trailer", api.StreamErrorTrailer)
		lw.w.WriteHeader(http.StatusOK)
		lw.started = true
	}
	return lw.w.Write(p)
}
