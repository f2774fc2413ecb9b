// Package events defines the events exchanged between the auth and todo services.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	outbox "github.com/oagudo/signup-outbox"
)

const (
	// UserRegistered is emitted once per successful registration.
	UserRegistered = "USER_REGISTERED"

	// UserRegisteredQueue is the default queue USER_REGISTERED events travel on.
	UserRegisteredQueue = "user.registered"
)

// UserRegisteredPayload is the payload of a USER_REGISTERED event.
type UserRegisteredPayload struct {
	UserID string `json:"userId" validate:"notblank"`
	Email  string `json:"email" validate:"notblank"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// registration only fails for an empty tag or nil func
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

// NewUserRegisteredRecord builds the outbox record announcing a new user.
func NewUserRegisteredRecord(userID, email string, opts ...outbox.RecordOption) (*outbox.Record, error) {
	payload := UserRegisteredPayload{UserID: userID, Email: email}
	if err := getValidator().Struct(payload); err != nil {
		return nil, errors.New("userId and email are required to build USER_REGISTERED event")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding USER_REGISTERED payload: %w", err)
	}
	return outbox.NewRecord(UserRegistered, body, opts...), nil
}

// DecodeUserRegistered validates a USER_REGISTERED envelope and returns its payload.
// Failures are *outbox.EnvelopeError.
func DecodeUserRegistered(env outbox.Envelope) (UserRegisteredPayload, error) {
	var (
		payload UserRegisteredPayload
		details []string
	)

	if env.EventType != UserRegistered {
		details = append(details, fmt.Sprintf("eventType must be %s.", UserRegistered))
	}

	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return payload, &outbox.EnvelopeError{Reason: "Invalid USER_REGISTERED event payload.", Details: []string{"payload must be an object."}, Err: err}
		}
		details = append(details, fmt.Sprintf("payload.%s must be a non-empty string.", typeErr.Field))
	}

	if err := getValidator().Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				detail := fmt.Sprintf("payload.%s must be a non-empty string.", jsonName(fe.Field()))
				if !contains(details, detail) {
					details = append(details, detail)
				}
			}
		}
	}

	if len(details) > 0 {
		return payload, &outbox.EnvelopeError{Reason: "Invalid USER_REGISTERED event payload.", Details: details}
	}
	return payload, nil
}

func jsonName(field string) string {
	switch field {
	case "UserID":
		return "userId"
	case "Email":
		return "email"
	}
	return field
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
