package auth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	outbox "github.com/oagudo/signup-outbox"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lib/pq", &pq.Error{Code: "23505"}, true},
		{"lib/pq other", &pq.Error{Code: "23503"}, false},
		{"pgx", fmt.Errorf("inserting user: %w", &pgconn.PgError{Code: "23505"}), true},
		{"mysql", &mysql.MySQLError{Number: 1062}, true},
		{"mysql other", &mysql.MySQLError{Number: 1213}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestSQLRepositoryPicksPlaceholders(t *testing.T) {
	pg := NewSQLRepository(nil, outbox.SQLDialectPostgres)
	assert.Contains(t, pg.queries.insert, "$5")

	my := NewSQLRepository(nil, outbox.SQLDialectMariaDB)
	assert.NotContains(t, my.queries.insert, "$")
}
