package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	// ErrBodyTooLarge is returned by DecodeObject when the body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrNotObject is returned by DecodeObject when the body is not a JSON object.
	ErrNotObject = errors.New("request body must be a JSON object")
)

// DecodeObject reads a JSON object body and returns its members undecoded, leaving
// field level type checks to the caller.
func DecodeObject(r *http.Request) (map[string]json.RawMessage, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrNotObject
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, ErrNotObject
	}
	return obj, nil
}

// WriteDecodeError replies to a DecodeObject failure.
func WriteDecodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
	case errors.Is(err, ErrNotObject):
		WriteError(w, http.StatusBadRequest, "Request body must be a JSON object.")
	default:
		WriteError(w, http.StatusBadRequest, "Request body could not be read.")
	}
}
