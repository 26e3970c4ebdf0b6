package models

import "time"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DataSource describes an external database that documents are read from.
// For sqlite sources only DatabasePath is used.
type DataSource struct {
	ID           int64     `db:"id"            json:"id"`
	Name         string    `db:"name"          json:"name"`
	Driver       string    `db:"driver"        json:"driver"`
	Host         string    `db:"host"          json:"host,omitempty"`
	Port         int       `db:"port"          json:"port,omitempty"`
	Username     string    `db:"username"      json:"username,omitempty"`
	Password     string    `db:"password"      json:"-"`
	DatabaseName string    `db:"database_name" json:"database_name,omitempty"`
	DatabasePath string    `db:"database_path" json:"database_path,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

// IndexDataQuery is a saved query whose rows are pushed into one index.
type IndexDataQuery struct {
	ID           int64     `db:"id"             json:"id"`
	DataSourceID int64     `db:"data_source_id" json:"data_source_id"`
	IndexUID     string    `db:"index_uid"      json:"index_uid"`
	Query        string    `db:"query"          json:"query"`
	PrimaryKey   string    `db:"primary_key"    json:"primary_key,omitempty"`
	CreatedAt    time.Time `db:"created_at"     json:"created_at"`
}

// Document is one source row keyed by column name.
type Document map[string]any
