package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// isNoRows reports whether err is the empty-result sentinel; readiness checks
// treat an empty table as healthy.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
