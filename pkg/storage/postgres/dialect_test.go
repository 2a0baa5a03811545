package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestPostgresDialect_IsUniqueViolation(t *testing.T) {
	d := NewPostgresDialect()
	assert.True(t, d.IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, d.IsUniqueViolation(&pq.Error{Code: "40001"}))
	assert.False(t, d.IsUniqueViolation(errors.New("connection refused")))
}
