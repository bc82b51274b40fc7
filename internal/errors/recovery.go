package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/qvopt/internal/logging"
)

// Recover converts a recovered panic value into an *Error and stores it in
// *errp, keeping any error already present. Use as
//
//	defer errors.Recover(&err, "qrt.Capture")
func Recover(errp *error, op string) {
	rec := recover()
	if rec == nil {
		return
	}
	var cause error
	switch v := rec.(type) {
	case error:
		cause = v
	default:
		cause = fmt.Errorf("%v", v)
	}
	e := &Error{
		Kind:      KindOf(cause),
		Err:       cause,
		Message:   "recovered from panic",
		Operation: op,
		Stack:     []string{string(debug.Stack())},
	}
	if errp != nil && *errp == nil {
		*errp = e
	}
}

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := map[string]interface{}{
						"error":  fmt.Sprintf("%v", rec),
						"stack":  string(debug.Stack()),
						"method": r.Method,
						"path":   r.URL.Path,
					}
					logger.Error("Recovered from panic", fields)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// StatusCode maps an error kind onto an HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindShapeMismatch, KindInvalid, KindUninitializedObjective:
		return http.StatusBadRequest
	case KindDoubleSynchronize:
		return http.StatusConflict
	case KindBackendDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
