package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: commission_records.payment_id")))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "40001"}))
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)

	d, err := Dialect(Config{Type: "sqlite", Name: "file::memory:"})
	assert.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())
}

func TestInsertIgnorePerDialect(t *testing.T) {
	insert := `INSERT INTO commission_records (id, payment_id) VALUES (?, ?)`

	pg := &gorm.DB{Config: &gorm.Config{Dialector: postgres.New(postgres.Config{DSN: "host=localhost"})}}
	assert.Equal(t, insert+"\n\t\tON CONFLICT (payment_id) DO NOTHING", InsertIgnore(pg, insert, "payment_id"))

	lite := &gorm.DB{Config: &gorm.Config{Dialector: sqlite.Open("file::memory:")}}
	assert.Contains(t, InsertIgnore(lite, insert, "payment_id"), "ON CONFLICT (payment_id) DO NOTHING")

	my := &gorm.DB{Config: &gorm.Config{Dialector: mysql.New(mysql.Config{DSN: "u:p@tcp(localhost:3306)/m"})}}
	got := InsertIgnore(my, insert, "payment_id")
	assert.Equal(t, "INSERT IGNORE INTO commission_records (id, payment_id) VALUES (?, ?)", got)
	assert.NotContains(t, got, "ON CONFLICT")
}
