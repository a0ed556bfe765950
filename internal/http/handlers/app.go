// Package handlers implements the HTTP surface of the job API on top of the
// service layer.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"mapxion/internal/domain"
	"mapxion/internal/infra"
	"mapxion/internal/metrics"
	"mapxion/internal/middleware"
	"mapxion/internal/service"
)

const codePayloadTooLarge = "payload_too_large"

type App struct {
	Config     *infra.Config
	Logger     zerolog.Logger
	Lifecycle  *service.Lifecycle
	Dispatcher *service.Dispatcher
	Metrics    *metrics.Metrics
	Version    string

	// Countries tags request logs with the client country; nil disables it.
	Countries middleware.CountryLookup
}

func NewApp(cfg *infra.Config, logger zerolog.Logger, lc *service.Lifecycle, d *service.Dispatcher, m *metrics.Metrics, version string) *App {
	return &App{
		Config:     cfg,
		Logger:     logger,
		Lifecycle:  lc,
		Dispatcher: d,
		Metrics:    m,
		Version:    version,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errorBody{Code: errCode, Message: message}})
}

// fail maps err onto the error envelope. Domain kinds decide the status;
// anything else is a 500 whose cause is only logged.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := http.StatusInternalServerError, domain.CodeInternal, "internal error"

	var tooLarge *http.MaxBytesError
	var de *domain.Error
	switch {
	case errors.As(err, &tooLarge):
		status, code, message = http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body exceeds the upload limit"
	case errors.As(err, &de):
		code, message = de.Code, de.Message
		status = statusOf(err)
	}

	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg("request failed")
	}
	a.error(w, status, code, message)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
