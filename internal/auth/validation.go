package auth

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	minPasswordLen = 8
	// bcrypt only hashes the first 72 bytes
	maxPasswordLen = 72
)

var emailRegexp = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidationError is returned for a registration request that can never succeed.
type ValidationError struct {
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + " " + strings.Join(e.Details, " ")
}

// RegisterInput is a validated registration request. Email is trimmed and lowercased.
type RegisterInput struct {
	Email    string `validate:"emailaddr"`
	Password string `validate:"password"`
}

var fieldMessages = map[string]string{
	"Email":    "email must be a valid email address.",
	"Password": "password must be between 8 and 72 characters.",
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("emailaddr", func(fl validator.FieldLevel) bool {
			return emailRegexp.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
			p := fl.Field().String()
			return utf8.RuneCountInString(p) >= minPasswordLen && len(p) <= maxPasswordLen
		})
	})
	return validate
}

// ValidateRegister checks the members of a registration body. A member that is not
// a string is treated as empty.
func ValidateRegister(body map[string]json.RawMessage) (RegisterInput, error) {
	in := RegisterInput{
		Email:    strings.ToLower(strings.TrimSpace(stringMember(body, "email"))),
		Password: stringMember(body, "password"),
	}

	err := getValidator().Struct(in)
	if err == nil {
		return in, nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return RegisterInput{}, err
	}

	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, fieldMessages[fe.Field()])
	}
	return RegisterInput{}, &ValidationError{Message: "Invalid registration payload.", Details: details}
}

func stringMember(body map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := body[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}
