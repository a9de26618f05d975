package db

import (
	"strings"

	"github.com/teranos/automaton/errors"
)

// ErrDatabaseClosed reports use of a database after Close
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err comes from a closed database. database/sql returns
// its own unexported error for this, so the message is matched as well as the sentinel.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
