package auth

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &obj))
	return obj
}

func TestValidateRegisterNormalisesEmail(t *testing.T) {
	in, err := ValidateRegister(body(t, `{"email":"  Ada@Example.COM ","password":"s3cret-pass"}`))

	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", in.Email)
	assert.Equal(t, "s3cret-pass", in.Password)
}

func TestValidateRegisterRejects(t *testing.T) {
	const (
		badEmail    = "email must be a valid email address."
		badPassword = "password must be between 8 and 72 characters."
	)

	tests := []struct {
		name    string
		body    string
		details []string
	}{
		{"missing fields", `{}`, []string{badEmail, badPassword}},
		{"email without domain dot", `{"email":"a@b","password":"longenough"}`, []string{badEmail}},
		{"email with spaces", `{"email":"a b@c.io","password":"longenough"}`, []string{badEmail}},
		{"email not a string", `{"email":42,"password":"longenough"}`, []string{badEmail}},
		{"short password", `{"email":"a@b.io","password":"short"}`, []string{badPassword}},
		{"long password", `{"email":"a@b.io","password":"` + strings.Repeat("p", 73) + `"}`, []string{badPassword}},
		{"password not a string", `{"email":"a@b.io","password":12345678}`, []string{badPassword}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateRegister(body(t, tt.body))

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, "Invalid registration payload.", validationErr.Message)
			assert.Equal(t, tt.details, validationErr.Details)
		})
	}
}

func TestValidateRegisterAcceptsPasswordBounds(t *testing.T) {
	for _, n := range []int{8, 72} {
		_, err := ValidateRegister(body(t, `{"email":"a@b.io","password":"`+strings.Repeat("p", n)+`"}`))
		assert.NoError(t, err, "length %d", n)
	}
}
