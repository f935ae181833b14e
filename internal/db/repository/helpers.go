// Package repository implements the status and sample stores on SQLite.
package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"querycheck/internal/domain"
)

func mapDBError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound("%s not found", what)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return domain.ErrConflict("%s already exists", what)
	}
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(domain.UpdateTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(domain.UpdateTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
