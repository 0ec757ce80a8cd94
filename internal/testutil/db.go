// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/feepay/internal/database"
	"github.com/example/feepay/internal/models"
)

// NewDB returns a migrated in-memory SQLite database. A single connection is
// used so every statement sees the same memory database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// SeedStudent inserts a student in classLevel and, when required is positive,
// a fee structure for that class.
func SeedStudent(t *testing.T, db *gorm.DB, classLevel string, required int64) models.Student {
	t.Helper()

	student := models.Student{
		AdmissionNumber: "ADM-" + classLevel,
		FirstName:       "Amina",
		LastName:        "Otieno",
		ClassLevel:      classLevel,
		ParentPhone:     "0712345678",
	}
	require.NoError(t, db.Create(&student).Error)

	if required > 0 {
		require.NoError(t, db.Create(&models.FeeStructure{
			ClassLevel:     classLevel,
			AmountRequired: decimal.NewFromInt(required),
		}).Error)
	}
	return student
}
