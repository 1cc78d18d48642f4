package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/auditbridge-io/auditbridge/internal/config"
)

// The pool maximum of 3 is a contract, not a tuning default: it matches the
// pipeline's worker-pool width so each per-item transaction holds exactly one
// connection and external load stays bounded.
const (
	defaultMaxOpenConns    = 3
	defaultMaxIdleConns    = 3
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultPort            = 5432
	defaultUser            = "auditbridge"
)

var (
	// ErrDatabaseEndpointEmpty is returned when neither a URL nor host/database pair is configured.
	ErrDatabaseEndpointEmpty = errors.New("database endpoint cannot be empty")
)

// Config holds PostgreSQL connection configuration.
//
// Two forms are supported:
//   - SQL_HOST + SQL_DB with a token-based password set via SetAccessToken
//     (production; the core never sees a static password)
//   - DATABASE_URL as a complete DSN (tests and local development)
type Config struct {
	databaseURL     string
	Host            string
	Database        string
	accessToken     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""), // databaseURL is private for obvious reasons.
		Host:            config.GetEnvStr("SQL_HOST", ""),
		Database:        config.GetEnvStr("SQL_DB", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// NewConfigFromURL creates a Config from a complete DSN. Used by tests.
func NewConfigFromURL(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// SetAccessToken installs the database access token used as the connection
// password. The token comes from the ambient identity of the runtime, not
// from configuration.
func (c *Config) SetAccessToken(token string) {
	c.accessToken = token
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" &&
		(strings.TrimSpace(c.Host) == "" || strings.TrimSpace(c.Database) == "") {
		return ErrDatabaseEndpointEmpty
	}

	return nil
}

// DSN returns the connection string. A configured DATABASE_URL wins;
// otherwise one is assembled from host, database, and access token.
func (c *Config) DSN() string {
	if c.databaseURL != "" {
		return c.databaseURL
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(defaultUser, c.accessToken),
		Host:   fmt.Sprintf("%s:%d", c.Host, defaultPort),
		Path:   "/" + c.Database,
	}

	q := u.Query()
	q.Set("sslmode", "require")
	u.RawQuery = q.Encode()

	return u.String()
}

// MaskDSN returns a masked connection string safe for logging.
func (c *Config) MaskDSN() string {
	dsn := c.DSN()
	if dsn == "" {
		return ""
	}

	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd == -1 {
		return dsn
	}

	afterScheme := dsn[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return dsn
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return dsn
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return dsn
	}

	scheme := dsn[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
