package todo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/internal/httpx"
)

type fakeLister struct {
	userID string
	page   Page
	res    ListResult
	err    error
}

func (f *fakeLister) List(_ context.Context, userID string, page Page) (ListResult, error) {
	f.userID, f.page = userID, page
	return f.res, f.err
}

func get(l Lister, target string) *httptest.ResponseRecorder {
	r := httpx.NewRouter("todo-service", zap.NewNop(), prometheus.NewRegistry())
	NewHandler(l, zap.NewNop()).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListAllTodos(t *testing.T) {
	id, err := primitive.ObjectIDFromHex("65a1b2c3d4e5f60718293a4b")
	require.NoError(t, err)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lister := &fakeLister{res: ListResult{
		Items: []Todo{{
			ID: id, UserID: "u-1", Type: TypeWelcome, Title: WelcomeTitle,
			SourceEventID: "e-1", CreatedAt: at, UpdatedAt: at,
		}},
		Pagination: Pagination{Limit: 10, Offset: 0, Total: 1},
	}}

	rec := get(lister, "/todos?limit=10")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", lister.userID)
	assert.Equal(t, Page{Limit: 10}, lister.page)
	assert.JSONEq(t, `{
		"data": [{
			"_id": "65a1b2c3d4e5f60718293a4b",
			"userId": "u-1",
			"type": "WELCOME",
			"title": "Welcome to the App",
			"completed": false,
			"sourceEventId": "e-1",
			"createdAt": "2026-01-02T03:04:05Z",
			"updatedAt": "2026-01-02T03:04:05Z"
		}],
		"pagination": {"limit": 10, "offset": 0, "total": 1}
	}`, rec.Body.String())
}

func TestListTodosByUser(t *testing.T) {
	lister := &fakeLister{res: ListResult{Items: []Todo{}, Pagination: Pagination{Limit: 50, Offset: 5}}}

	rec := get(lister, "/todos/u-42?offset=5")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-42", lister.userID)
	assert.Equal(t, Page{Limit: 50, Offset: 5}, lister.page)
	assert.JSONEq(t, `{"data":[],"pagination":{"limit":50,"offset":5,"total":0}}`, rec.Body.String())
}

func TestListRejectsBadQuery(t *testing.T) {
	rec := get(&fakeLister{}, "/todos?limit=0&offset=-1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid query parameters.","details":["limit must be a positive integer.","offset must be a non-negative integer."]}`, rec.Body.String())
}

func TestListRejectsBlankUserID(t *testing.T) {
	rec := get(&fakeLister{}, "/todos/%20%20")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"userId is required in path parameter."}`, rec.Body.String())
}

func TestListInternalError(t *testing.T) {
	rec := get(&fakeLister{err: errors.New("server selection timeout")}, "/todos")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error."}`, rec.Body.String())
}
