package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"ciserver/pkg/storage"
)

func TestTranslate(t *testing.T) {
	unique := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "idx_users_email"}
	fk := &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: "fk_jobs_logs"}
	other := errors.New("connection reset")

	assert.ErrorIs(t, translate(gorm.ErrRecordNotFound), storage.ErrNotFound)
	assert.ErrorIs(t, translate(fmt.Errorf("insert: %w", unique)), storage.ErrConflict)
	assert.Contains(t, translate(unique).Error(), "idx_users_email")
	assert.ErrorIs(t, translate(fk), storage.ErrNotFound)
	assert.Equal(t, other, translate(other))
}
