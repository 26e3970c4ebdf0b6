package sqlq

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/meilisync/pkg/models"
)

var ErrUnsupportedDriver = errors.New("unsupported data source driver")
var ErrEmptyQuery = errors.New("query is empty")

// Target is a database/sql driver name plus the DSN to open it with.
type Target struct {
	DriverName string
	DSN        string
}

// QueryBuilder prepares user-supplied SQL for execution against a data source.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type QueryBuilder struct{}

// Prepare trims trailing whitespace, drops a single trailing statement terminator
// and appends one LIMIT clause. A non-positive limit leaves the query unbounded.
func (b QueryBuilder) Prepare(query string, limit int) (string, error) {
	q := b.stripTerminator(query)
	if q == "" {
		return "", ErrEmptyQuery
	}
	if limit <= 0 {
		return q, nil
	}
	return q + " LIMIT " + strconv.Itoa(limit), nil
}

// Target resolves the driver and DSN for a data source.
func (b QueryBuilder) Target(ds *models.DataSource) (Target, error) {
	switch ds.Driver {
	case models.DriverPostgres, "":
		return Target{DriverName: "pgx", DSN: b.postgresDSN(ds)}, nil
	case models.DriverSQLite:
		if ds.DatabasePath == "" {
			return Target{}, fmt.Errorf("%w: sqlite source %d has no database path", ErrUnsupportedDriver, ds.ID)
		}
		return Target{DriverName: "sqlite", DSN: ds.DatabasePath}, nil
	}
	return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, ds.Driver)
}

func (b QueryBuilder) stripTerminator(query string) string {
	q := strings.TrimRightFunc(query, isSpace)
	q = strings.TrimSuffix(q, ";")
	return strings.TrimRightFunc(q, isSpace)
}

func (b QueryBuilder) postgresDSN(ds *models.DataSource) string {
	port := ds.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(ds.Host, strconv.Itoa(port)),
		Path:   "/" + ds.DatabaseName,
	}
	if ds.Username != "" {
		if ds.Password != "" {
			u.User = url.UserPassword(ds.Username, ds.Password)
		} else {
			u.User = url.User(ds.Username)
		}
	}
	return u.String()
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
