package handlers

import (
	"net/http"
	"sync/atomic"

	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
)

// ErrorResponder writes an error response for the dashboard API and
// health handlers. server.New installs server.HandleError so every route
// shares one envelope format; until then apperrors.RespondWithError
// classifies gateway failures directly.
type ErrorResponder func(http.ResponseWriter, *http.Request, error)

var httpErrorResponder atomic.Pointer[ErrorResponder]

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// SetHTTPErrorResponder replaces the responder. nil restores the default.
func SetHTTPErrorResponder(responder func(http.ResponseWriter, *http.Request, error)) {
	if responder == nil {
		httpErrorResponder.Store(nil)
		return
	}
	fn := ErrorResponder(responder)
	httpErrorResponder.Store(&fn)
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder.Store(nil)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if fn := httpErrorResponder.Load(); fn != nil {
		(*fn)(w, r, err)
		return
	}
	defaultHTTPErrorResponder(w, r, err)
}
