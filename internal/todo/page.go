package todo

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
	maxUserIDLen = 128
)

// ValidationError is returned for listing requests with bad parameters.
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

// Page selects a window of a listing.
type Page struct {
	Limit  int
	Offset int
}

// Pagination describes the returned window.
type Pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

// ListResult is one page of todos.
type ListResult struct {
	Items      []Todo     `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ParsePage reads limit and offset from a query string. limit defaults to
// DefaultLimit and is clamped to MaxLimit; offset defaults to 0.
func ParsePage(q url.Values) (Page, error) {
	page := Page{Limit: DefaultLimit}
	var details []string

	if q.Has("limit") {
		n, err := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
		if err != nil || n <= 0 {
			details = append(details, "limit must be a positive integer.")
		} else {
			page.Limit = min(n, MaxLimit)
		}
	}

	if q.Has("offset") {
		n, err := strconv.Atoi(strings.TrimSpace(q.Get("offset")))
		if err != nil || n < 0 {
			details = append(details, "offset must be a non-negative integer.")
		} else {
			page.Offset = n
		}
	}

	if len(details) > 0 {
		return Page{}, &ValidationError{Message: "Invalid query parameters.", Details: details}
	}
	return page, nil
}

// ParseUserID trims and checks a userId path parameter.
func ParseUserID(raw string) (string, error) {
	userID := strings.TrimSpace(raw)
	if userID == "" {
		return "", &ValidationError{Message: "userId is required in path parameter."}
	}
	if len([]rune(userID)) > maxUserIDLen {
		return "", &ValidationError{Message: "userId must be 128 characters or fewer."}
	}
	return userID, nil
}
