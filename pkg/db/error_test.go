package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm translated", gorm.ErrDuplicatedKey, true},
		{"pg error", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"pg other code", &pgconn.PgError{Code: "23503"}, false},
		{"pq error", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"pq other code", &pq.Error{Code: "23503"}, false},
		{"sqlite message", errors.New("UNIQUE constraint failed: tier_charges.client_id"), true},
		{"mysql message", errors.New("Error 1062: Duplicate entry"), true},
		{"unrelated", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDuplicateKeyErr(tt.err))
		})
	}
}
