package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"endpoint-logger/internal/model"
	"endpoint-logger/internal/storage"
)

// memStore serves records 1..n from memory.
type memStore struct {
	records []*model.Exchange
	err     error
	lastReq storage.Range
}

func newMemStore(t *testing.T, statuses ...model.Status) *memStore {
	t.Helper()
	s := &memStore{}
	for i, st := range statuses {
		ex := model.NewExchange(uint64(i+1), "sid", time.Now())
		ex.SetRequest(http.MethodGet, "/items", "HTTP/1.1", http.Header{})
		if err := ex.Finalize(st, nil, time.Now()); err != nil {
			t.Fatal(err)
		}
		s.records = append(s.records, ex)
	}
	return s
}

func (s *memStore) Get(_ context.Context, id uint64) (*model.Exchange, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, ex := range s.records {
		if ex.ID == id {
			return ex, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) List(_ context.Context, r storage.Range) ([]*model.Exchange, error) {
	s.lastReq = r
	if s.err != nil {
		return nil, s.err
	}
	out := []*model.Exchange{}
	for _, ex := range s.records {
		if ex.ID < r.FromID || (r.ToID > 0 && ex.ID > r.ToID) {
			continue
		}
		if r.Status != "" && ex.Status != r.Status {
			continue
		}
		if len(out) == r.Limit {
			break
		}
		out = append(out, ex)
	}
	return out, nil
}

func serveList(t *testing.T, h *ExchangeHandler, query string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/exchanges"+query, http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return rec
}

func TestExchangeHandler_List(t *testing.T) {
	store := newMemStore(t,
		model.StatusCompleted, model.StatusBackendError, model.StatusCompleted,
		model.StatusTimedOut, model.StatusCompleted,
	)
	h := NewExchangeHandler(store, testLogger())

	tests := []struct {
		name     string
		query    string
		wantIDs  []uint64
		wantNext uint64
	}{
		{"all", "", []uint64{1, 2, 3, 4, 5}, 0},
		{"range", "?from_id=2&to_id=4", []uint64{2, 3, 4}, 0},
		{"status", "?status=completed", []uint64{1, 3, 5}, 0},
		{"paged", "?limit=2", []uint64{1, 2}, 3},
		{"second page", "?from_id=3&limit=2", []uint64{3, 4}, 5},
		{"past the end", "?from_id=9", []uint64{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveList(t, h, tt.query)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
			}

			var body listResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Count != len(tt.wantIDs) {
				t.Errorf("count = %d, want %d", body.Count, len(tt.wantIDs))
			}
			for i, ex := range body.Exchanges {
				if i >= len(tt.wantIDs) || ex.ID != tt.wantIDs[i] {
					t.Errorf("exchanges[%d].id = %d, want ids %v", i, ex.ID, tt.wantIDs)
				}
			}
			if body.NextFromID != tt.wantNext {
				t.Errorf("next_from_id = %d, want %d", body.NextFromID, tt.wantNext)
			}
		})
	}
}

func TestExchangeHandler_ListDefaultLimit(t *testing.T) {
	store := newMemStore(t, model.StatusCompleted)
	h := NewExchangeHandler(store, testLogger())

	serveList(t, h, "")
	if store.lastReq.Limit != defaultPageSize {
		t.Errorf("limit passed to store = %d, want %d", store.lastReq.Limit, defaultPageSize)
	}
}

func TestExchangeHandler_ListFilters(t *testing.T) {
	store := newMemStore(t, model.StatusCompleted)
	h := NewExchangeHandler(store, testLogger())

	rec := serveList(t, h, "?method=post&path=/users&q=id%3D7&response_status=201"+
		"&received_from=2026-01-01T00:00:00Z&received_to=2026-01-01T12:30:00.5%2B02:00")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	got := store.lastReq
	if got.Method != http.MethodPost {
		t.Errorf("Method = %q, want %q", got.Method, http.MethodPost)
	}
	if got.PathPrefix != "/users" {
		t.Errorf("PathPrefix = %q, want /users", got.PathPrefix)
	}
	if got.Search != "id=7" {
		t.Errorf("Search = %q, want id=7", got.Search)
	}
	if got.ResponseStatus != http.StatusCreated {
		t.Errorf("ResponseStatus = %d, want %d", got.ResponseStatus, http.StatusCreated)
	}
	wantFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.ReceivedFrom.Equal(wantFrom) {
		t.Errorf("ReceivedFrom = %v, want %v", got.ReceivedFrom, wantFrom)
	}
	wantTo := time.Date(2026, 1, 1, 10, 30, 0, 500_000_000, time.UTC)
	if !got.ReceivedTo.Equal(wantTo) {
		t.Errorf("ReceivedTo = %v, want %v", got.ReceivedTo, wantTo)
	}
}

func TestExchangeHandler_ListBadRequest(t *testing.T) {
	h := NewExchangeHandler(newMemStore(t), testLogger())

	for _, query := range []string{
		"?from_id=abc",
		"?to_id=-1",
		"?limit=0",
		"?limit=1001",
		"?limit=ten",
		"?status=pending",
		"?from_id=10&to_id=5",
	} {
		t.Run(query, func(t *testing.T) {
			rec := serveList(t, h, query)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestExchangeHandler_ListStoreError(t *testing.T) {
	store := newMemStore(t)
	store.err = errors.New("disk I/O error")
	h := NewExchangeHandler(store, testLogger())

	rec := serveList(t, h, "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestExchangeHandler_Get(t *testing.T) {
	h := NewExchangeHandler(newMemStore(t, model.StatusCompleted, model.StatusClientAborted), testLogger())

	tests := []struct {
		id         string
		wantStatus int
	}{
		{"2", http.StatusOK},
		{"3", http.StatusNotFound},
		{"0", http.StatusBadRequest},
		{"abc", http.StatusBadRequest},
		{"-4", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/exchanges/"+tt.id, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			if err := h.Get(c); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var ex model.Exchange
			if err := json.Unmarshal(rec.Body.Bytes(), &ex); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ex.ID != 2 || ex.Status != model.StatusClientAborted {
				t.Errorf("exchange = {id %d, status %q}, want {2, client_aborted}", ex.ID, ex.Status)
			}
		})
	}
}
