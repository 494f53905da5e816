package httpx

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/adeilh/rakh-state/state"
)

const (
	HealthPath = "/healthz"
	StatePath  = "/state"
	keyParam   = "key"
)

// StateService is the part of state.Store exposed over HTTP.
type StateService interface {
	Read(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Write(ctx context.Context, changes map[string]any) error
	Delete(ctx context.Context, keys ...string) error
	Health(ctx context.Context) state.HealthResult
}

var _ StateService = (*state.Store)(nil)

// StateRoutes mounts the health probe and the state endpoints:
//
//	GET    /healthz           200 or 503 with the HealthResult body
//	GET    /state?key=a&key=b stored payloads by key
//	PUT    /state             JSON object of key to payload, 204
//	DELETE /state?key=a       204
func StateRoutes(svc StateService) RouteRegistrar {
	h := stateHandlers{svc: svc}
	return func(a *App) {
		a.GET(HealthPath, h.health)
		NewRouter(a, StatePath).
			GET("", h.read).
			PUT("", h.write).
			DELETE("", h.delete)
	}
}

type stateHandlers struct {
	svc StateService
}

func (h stateHandlers) health(c Context) error {
	res := h.svc.Health(c.Request().Context())
	code := StatusOK
	if !res.Overall {
		code = StatusServiceUnavailable
	}
	return c.JSON(code, res)
}

func (h stateHandlers) read(c Context) error {
	found, err := h.svc.Read(c.Request().Context(), c.QueryParams()[keyParam]...)
	if err != nil {
		return stateError(err)
	}
	return c.JSON(StatusOK, found)
}

func (h stateHandlers) write(c Context) error {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return HTTPError(StatusBadRequest, "body must be a JSON object of key to payload")
	}
	changes := make(map[string]any, len(body))
	for key, payload := range body {
		changes[key] = payload
	}
	if err := h.svc.Write(c.Request().Context(), changes); err != nil {
		return stateError(err)
	}
	return c.NoContent(StatusNoContent)
}

func (h stateHandlers) delete(c Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.QueryParams()[keyParam]...); err != nil {
		return stateError(err)
	}
	return c.NoContent(StatusNoContent)
}

func stateError(err error) error {
	code := StatusInternalError
	switch {
	case errors.Is(err, state.ErrEmptyKey):
		code = StatusBadRequest
	case errors.Is(err, state.ErrNotConnected), errors.Is(err, state.ErrClosed):
		code = StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}
