package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tendant/simple-earnout/pkg/earnout"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

var errUnauthenticated = errors.New("missing or invalid caller identity")

// statusFor maps a failure kind to its HTTP status code
func statusFor(err error) int {
	if errors.Is(err, errUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch earnout.KindOf(err) {
	case earnout.KindAuthorization:
		return http.StatusForbidden
	case earnout.KindState:
		return http.StatusConflict
	case earnout.KindValidation:
		return http.StatusBadRequest
	case earnout.KindCrypto:
		return http.StatusUnprocessableEntity
	case earnout.KindResource:
		return http.StatusPaymentRequired
	case earnout.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	if kind := earnout.KindOf(err); kind != earnout.KindUnknown {
		resp.Kind = kind.String()
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: msg, Kind: earnout.KindValidation.String()})
}
