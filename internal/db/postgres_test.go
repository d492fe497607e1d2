package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"

	"pulse-bot/internal/models"
)

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows), models.ErrNotFound)
	other := errors.New("boom")
	assert.Equal(t, other, notFound(other))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, isUniqueViolation(err))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}

func TestIntPtr(t *testing.T) {
	assert.Nil(t, intPtr(nil))
	v := int32(7)
	assert.Equal(t, 7, *intPtr(&v))
}
