package connector

import (
	"strings"
	"testing"
)

func TestBuildDSNMySQL(t *testing.T) {
	driver, dsn, err := buildDSN(ConnectionConfig{Type: "mysql", Host: "db", User: "u", Password: "p", Database: "metrics", SSLMode: "disable"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if driver != "mysql" {
		t.Fatalf("expected mysql driver got %s", driver)
	}
	if dsn != "u:p@tcp(db:3306)/metrics?parseTime=true&tls=false" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}

func TestBuildDSNPostgresDefaults(t *testing.T) {
	_, dsn, err := buildDSN(ConnectionConfig{Type: "postgresql", Host: "db", User: "u", Password: "p", Database: "metrics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(dsn, "port=5432") || !strings.Contains(dsn, "sslmode=disable") {
		t.Fatalf("expected defaults in dsn %q", dsn)
	}
}

func TestBuildDSNMSSQLEscapesCredentials(t *testing.T) {
	_, dsn, err := buildDSN(ConnectionConfig{Type: "mssql", Host: "db", User: "u@corp", Password: "p:w", Database: "metrics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(dsn, "sqlserver://u%40corp:p%3Aw@db:1433") {
		t.Fatalf("expected escaped credentials in dsn %q", dsn)
	}
}

func TestBuildDSNUnsupportedType(t *testing.T) {
	if _, _, err := buildDSN(ConnectionConfig{Type: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	if _, _, err := buildDSN(ConnectionConfig{}); err == nil {
		t.Fatalf("expected error for missing type")
	}
}
