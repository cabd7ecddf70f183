package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// Connector validates credentials against a source database before they are
// stored. Metric production against the source is out of scope here.
type Connector interface {
	TestConnection(ctx context.Context) error
	Close() error
}

type ConnectionConfig struct {
	Type     string // mysql | postgres | mssql
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type dbConnector struct {
	db *sql.DB
}

func (c *dbConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

func (c *dbConnector) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func New(cfg ConnectionConfig) (Connector, error) {
	driver, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return &dbConnector{db: db}, nil
}

// DSN renders the connection string for storage without opening a database.
func DSN(cfg ConnectionConfig) (string, error) {
	_, dsn, err := buildDSN(cfg)
	return dsn, err
}

// Validate opens the source database and pings it, then closes it again.
func Validate(ctx context.Context, cfg ConnectionConfig) error {
	conn, err := New(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.TestConnection(ctx)
}

func buildDSN(cfg ConnectionConfig) (string, string, error) {
	if strings.TrimSpace(cfg.Type) == "" {
		return "", "", errors.New("connection type is required")
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch strings.ToLower(cfg.Type) {
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=" + sslMode
		}
		return "mysql", dsn, nil
	case "postgres", "postgresql":
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
		return "postgres", dsn, nil
	case "mssql", "sqlserver":
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s",
			url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, url.QueryEscape(cfg.Database), encrypt)
		return "sqlserver", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
