package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"endpoint-logger/internal/model"
	"endpoint-logger/internal/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// ExchangeReader is the read side of the exchange store.
type ExchangeReader interface {
	Get(ctx context.Context, id uint64) (*model.Exchange, error)
	List(ctx context.Context, r storage.Range) ([]*model.Exchange, error)
}

// ExchangeHandler serves stored exchange records. It never writes.
type ExchangeHandler struct {
	store  ExchangeReader
	logger *slog.Logger
}

// NewExchangeHandler creates an ExchangeHandler.
func NewExchangeHandler(store ExchangeReader, logger *slog.Logger) *ExchangeHandler {
	return &ExchangeHandler{
		store:  store,
		logger: logger.With("component", "admin"),
	}
}

type listResponse struct {
	Exchanges []*model.Exchange `json:"exchanges"`
	Count     int               `json:"count"`
	// NextFromID is set when the page is full and more records may follow.
	NextFromID uint64 `json:"next_from_id,omitempty"`
}

// List returns records ordered by id.
//
// Query parameters: from_id and to_id (inclusive bounds), status (one of the
// terminal statuses), method, path (target prefix), q (target substring),
// response_status, received_from and received_to (RFC 3339, inclusive) and
// limit (1..1000, default 100).
func (h *ExchangeHandler) List(c echo.Context) error {
	var (
		r      storage.Range
		status string
	)
	r.Limit = defaultPageSize

	err := echo.QueryParamsBinder(c).
		FailFast(true).
		Uint64("from_id", &r.FromID).
		Uint64("to_id", &r.ToID).
		Int("limit", &r.Limit).
		String("status", &status).
		String("method", &r.Method).
		String("path", &r.PathPrefix).
		String("q", &r.Search).
		Int("response_status", &r.ResponseStatus).
		Time("received_from", &r.ReceivedFrom, time.RFC3339Nano).
		Time("received_to", &r.ReceivedTo, time.RFC3339Nano).
		BindError()
	if err != nil {
		return badRequest(c, bindingMessage(err))
	}
	r.Method = strings.ToUpper(r.Method)

	if r.Limit < 1 || r.Limit > maxPageSize {
		return badRequest(c, fmt.Sprintf("limit must be between 1 and %d", maxPageSize))
	}
	if r.ToID > 0 && r.ToID < r.FromID {
		return badRequest(c, "to_id must not be less than from_id")
	}
	if r.ResponseStatus != 0 && (r.ResponseStatus < 100 || r.ResponseStatus > 999) {
		return badRequest(c, "response_status must be between 100 and 999")
	}
	if !r.ReceivedTo.IsZero() && r.ReceivedTo.Before(r.ReceivedFrom) {
		return badRequest(c, "received_to must not be before received_from")
	}
	if status != "" {
		r.Status = model.Status(status)
		if !r.Status.Valid() {
			return badRequest(c, fmt.Sprintf("unknown status %q", status))
		}
	}

	records, err := h.store.List(c.Request().Context(), r)
	if err != nil {
		h.logger.Error("list exchanges", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "exchange store unavailable"})
	}

	resp := listResponse{Exchanges: records, Count: len(records)}
	if len(records) == r.Limit {
		resp.NextFromID = records[len(records)-1].ID + 1
	}
	return c.JSON(http.StatusOK, resp)
}

// Get returns one record by id.
func (h *ExchangeHandler) Get(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return badRequest(c, "invalid exchange id")
	}

	ex, err := h.store.Get(c.Request().Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "exchange not found"})
	}
	if err != nil {
		h.logger.Error("get exchange", "exchange_id", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "exchange store unavailable"})
	}
	return c.JSON(http.StatusOK, ex)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func bindingMessage(err error) string {
	var be *echo.BindingError
	if errors.As(err, &be) {
		return fmt.Sprintf("invalid value for %s", be.Field)
	}
	return "invalid query"
}
