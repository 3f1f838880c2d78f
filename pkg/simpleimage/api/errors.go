package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tendant/simple-image/pkg/simpleimage"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusFor maps pipeline errors to HTTP status codes.
func StatusFor(err error) int {
	var (
		validation *simpleimage.ValidationError
		notFound   *simpleimage.NotFoundError
		decode     *simpleimage.DecodeError
		resize     *simpleimage.ResizeError
		publish    *simpleimage.PublishError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound),
		errors.Is(err, simpleimage.ErrImageNotFound),
		errors.Is(err, simpleimage.ErrLinkNotFound),
		errors.Is(err, simpleimage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.As(err, &decode), errors.As(err, &resize):
		return http.StatusUnprocessableEntity
	case errors.As(err, &publish):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: msg})
}
