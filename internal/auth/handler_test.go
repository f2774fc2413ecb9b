package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/internal/httpx"
)

type fakeRegistrar struct {
	calls int
	err   error
}

func (f *fakeRegistrar) Register(_ context.Context, in RegisterInput) (RegisteredUser, error) {
	f.calls++
	if f.err != nil {
		return RegisteredUser{}, f.err
	}
	return RegisteredUser{UserID: "u-1", Email: in.Email}, nil
}

func serve(reg Registrar, body string) *httptest.ResponseRecorder {
	r := httpx.NewRouter("auth-service", zap.NewNop(), prometheus.NewRegistry())
	NewHandler(reg, zap.NewNop()).Routes(r)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	return rec
}

func TestRegisterCreated(t *testing.T) {
	rec := serve(&fakeRegistrar{}, `{"email":"Ada@Example.com","password":"s3cret-pass"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"message":"User registered successfully.","data":{"userId":"u-1","email":"ada@example.com"}}`, rec.Body.String())
}

func TestRegisterInvalidPayload(t *testing.T) {
	reg := &fakeRegistrar{}
	rec := serve(reg, `{"email":"nope","password":"short"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid registration payload.","details":["email must be a valid email address.","password must be between 8 and 72 characters."]}`, rec.Body.String())
	assert.Zero(t, reg.calls)
}

func TestRegisterRejectsNonObjectBody(t *testing.T) {
	rec := serve(&fakeRegistrar{}, `["a@b.io"]`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Request body must be a JSON object."}`, rec.Body.String())
}

func TestRegisterConflict(t *testing.T) {
	rec := serve(&fakeRegistrar{err: ErrConflict}, `{"email":"a@b.io","password":"s3cret-pass"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"Email is already registered."}`, rec.Body.String())
}

func TestRegisterInternalErrorHidesCause(t *testing.T) {
	rec := serve(&fakeRegistrar{err: errors.New("dial tcp: connection refused")}, `{"email":"a@b.io","password":"s3cret-pass"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error."}`, rec.Body.String())
}

func TestRegisterBodyTooLarge(t *testing.T) {
	rec := serve(&fakeRegistrar{}, `{"email":"a@b.io","password":"`+strings.Repeat("p", httpx.MaxBodyBytes)+`"}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
