package db

import (
	"log/slog"
	"os"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/pixveil/gen-platform/internal/generation"
)

// Connect opens the job database. A non-empty sqlitePath selects the
// embedded sqlite driver for local runs; otherwise dsn is treated as a
// MySQL DSN.
func Connect(dsn, sqlitePath string) *gorm.DB {
	var (
		gdb *gorm.DB
		err error
	)
	if sqlitePath != "" {
		gdb, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	} else {
		gdb, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	}
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}

	if err := gdb.AutoMigrate(&generation.Job{}); err != nil {
		slog.Error("db migrate failed", "err", err)
		os.Exit(1)
	}
	return gdb
}
