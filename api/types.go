package api

import (
	"errors"
	"fmt"

	"github.com/ruteri/stowage/interfaces"
)

// ObjectsPath is the route prefix of the object gateway.
const ObjectsPath = "/api/objects"

// StreamErrorTrailer is set on a GET response whose body was cut short. It
// holds the error kind.
const StreamErrorTrailer = "X-Stowage-Stream-Error"

// HealthResponse is the body of the health and drain endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ListResponse is returned by GET /api/objects.
type ListResponse struct {
	Keys []string `json:"keys"`
}

// BackendFailure describes one failed backend of a multi-backend operation.
type BackendFailure struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// OutcomeResponse is the wire form of a MirrorFailure.
type OutcomeResponse struct {
	Op             string           `json:"op"`
	Strategy       string           `json:"strategy"`
	Required       int              `json:"required"`
	Succeeded      []int            `json:"succeeded"`
	Failed         []BackendFailure `json:"failed,omitempty"`
	Skipped        []int            `json:"skipped,omitempty"`
	RolledBack     []int            `json:"rolled_back,omitempty"`
	RollbackFailed []BackendFailure `json:"rollback_failed,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx gateway response.
type ErrorResponse struct {
	Error   string           `json:"error"`
	Kind    string           `json:"kind"`
	Outcome *OutcomeResponse `json:"outcome,omitempty"`
}

// NewErrorResponse converts a storage error into its wire form.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{
		Error: err.Error(),
		Kind:  interfaces.KindOf(err).String(),
	}
	if mf, ok := interfaces.AsMirrorFailure(err); ok {
		out := &OutcomeResponse{
			Op:       mf.Op,
			Strategy: mf.Strategy,
			Required: mf.Required,
		}
		if mf.Outcome != nil {
			out.Succeeded = mf.Outcome.Succeeded
			out.Failed = backendFailures(mf.Outcome.Failed)
			out.Skipped = mf.Outcome.Skipped
			out.RolledBack = mf.Outcome.RolledBack
			out.RollbackFailed = backendFailures(mf.Outcome.RollbackFailed)
		}
		resp.Outcome = out
	}
	return resp
}

// AsError rebuilds an error matching the same sentinel as the error the
// response was created from.
func (r ErrorResponse) AsError() error {
	if r.Outcome != nil {
		outcome := &interfaces.Outcome{
			Succeeded:      r.Outcome.Succeeded,
			Failed:         remoteBackendErrors(r.Outcome.Failed),
			Skipped:        r.Outcome.Skipped,
			RolledBack:     r.Outcome.RolledBack,
			RollbackFailed: remoteBackendErrors(r.Outcome.RollbackFailed),
		}
		return &interfaces.MirrorFailure{
			Op:       r.Outcome.Op,
			Strategy: r.Outcome.Strategy,
			Required: r.Outcome.Required,
			Outcome:  outcome,
		}
	}
	return kindError(r.Kind, r.Error)
}

func backendFailures(errs []interfaces.BackendError) []BackendFailure {
	if len(errs) == 0 {
		return nil
	}
	out := make([]BackendFailure, 0, len(errs))
	for _, e := range errs {
		out = append(out, BackendFailure{
			Index: e.Index,
			Kind:  interfaces.KindOf(e.Err).String(),
			Error: e.Err.Error(),
		})
	}
	return out
}

func remoteBackendErrors(failures []BackendFailure) []interfaces.BackendError {
	if len(failures) == 0 {
		return nil
	}
	out := make([]interfaces.BackendError, 0, len(failures))
	for _, f := range failures {
		out = append(out, interfaces.BackendError{Index: f.Index, Err: kindError(f.Kind, f.Error)})
	}
	return out
}

func kindError(kind, msg string) error {
	var sentinel error
	switch kind {
	case interfaces.KindNotFound.String():
		sentinel = interfaces.ErrNotFound
	case interfaces.KindPermissionDenied.String():
		sentinel = interfaces.ErrPermissionDenied
	case interfaces.KindConnection.String():
		sentinel = interfaces.ErrConnection
	case interfaces.KindIo.String():
		sentinel = interfaces.ErrIo
	case interfaces.KindReadOnlyViolation.String():
		sentinel = interfaces.ErrReadOnlyViolation
	case interfaces.KindMirrorFailure.String():
		sentinel = interfaces.ErrMirrorFailure
	default:
		return errors.New(msg)
	}
	return fmt.Errorf("%w: remote: %s", sentinel, msg)
}
