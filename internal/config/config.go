package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for pipeline configuration.
const (
	defaultBatchSize          = 50
	defaultBearerSecretName   = "goaudits-bearer-token"
	defaultSQLTokenSecretName = "sql-access-token"
	defaultSummaryURL         = "https://api.goaudits.com/v1/reports/summary"
	defaultDetailsURL         = "https://api.goaudits.com/v1/reports/details"
	defaultRulesDir           = "rules"
	defaultMaterialiseScope   = "all"
	defaultDetailsConcurrency = 3
)

var (
	// ErrSQLHostRequired is returned when SQL_HOST is not configured.
	ErrSQLHostRequired = errors.New("SQL_HOST is required")

	// ErrSQLDatabaseRequired is returned when SQL_DB is not configured.
	ErrSQLDatabaseRequired = errors.New("SQL_DB is required")

	// ErrSecretURIRequired is returned when SECRET_URI is not configured.
	ErrSecretURIRequired = errors.New("SECRET_URI is required")

	// ErrInvalidBatchSize is returned when BATCH_SIZE is zero or negative.
	ErrInvalidBatchSize = errors.New("BATCH_SIZE must be greater than zero")

	// ErrInvalidMaterialiseScope is returned when MATERIALISE_SCOPE is not "all" or "batch".
	ErrInvalidMaterialiseScope = errors.New(`MATERIALISE_SCOPE must be "all" or "batch"`)
)

// Pipeline holds the resolved configuration for one batch run.
//
// All values come from environment variables (spec'd names, unrecognised
// variables are ignored). Validation is deliberately separate from loading so
// callers can inspect a partially valid configuration when reporting errors.
type Pipeline struct {
	// Database endpoint. Authentication is token-based; the process never
	// sees a password (the access token is fetched from the secret store).
	SQLHost string
	SQLDB   string

	// Secret store.
	SecretURI          string
	BearerSecretName   string
	SQLTokenSecretName string

	// Remote GoAudits endpoints.
	SummaryURL string
	DetailsURL string

	// Batch selection. BatchSize is the maximum items per run before tie
	// expansion. StartOverride/EndOverride bound eligibility when set.
	BatchSize     int
	StartOverride time.Time
	HasStart      bool
	EndOverride   time.Time
	HasEnd        bool

	// Ruleset version overrides, e.g. {"PV":"v2","HeatPump":"v3"}.
	RulesetVersions map[string]string

	// RulesDir is the directory holding versioned rule documents.
	RulesDir string

	// Diagnostics.
	DryRun       bool
	ValidateKeys bool

	// Outbox materialisation.
	MaterialiseEmail bool
	MaterialiseScope string

	// DetailsConcurrency is the worker-pool width for per-report work.
	// Deliberately matches the SQL connection-pool maximum.
	DetailsConcurrency int

	LogLevel slog.Level
}

// LoadPipeline resolves pipeline configuration from environment variables.
func LoadPipeline() *Pipeline {
	start, hasStart := GetEnvTime("START_DATE", false)
	end, hasEnd := GetEnvTime("END_DATE", true)

	return &Pipeline{
		SQLHost:            GetEnvStr("SQL_HOST", ""),
		SQLDB:              GetEnvStr("SQL_DB", ""),
		SecretURI:          GetEnvStr("SECRET_URI", ""),
		BearerSecretName:   GetEnvStr("BEARER_SECRET_NAME", defaultBearerSecretName),
		SQLTokenSecretName: GetEnvStr("SQL_TOKEN_SECRET_NAME", defaultSQLTokenSecretName),
		SummaryURL:         GetEnvStr("SUMMARY_URL", defaultSummaryURL),
		DetailsURL:         GetEnvStr("DETAILS_URL", defaultDetailsURL),
		BatchSize:          GetEnvInt("BATCH_SIZE", defaultBatchSize),
		StartOverride:      start,
		HasStart:           hasStart,
		EndOverride:        end,
		HasEnd:             hasEnd,
		RulesetVersions: GetEnvStringMap("RULESET_MAP_JSON", map[string]string{
			"PV":       "v2",
			"HeatPump": "v3",
		}),
		RulesDir:           GetEnvStr("RULES_DIR", defaultRulesDir),
		DryRun:             GetEnvBool("DRYRUN", false),
		ValidateKeys:       GetEnvBool("VALIDATE_KEYS", false),
		MaterialiseEmail:   GetEnvBool("MATERIALISE_EMAIL", false),
		MaterialiseScope:   GetEnvStr("MATERIALISE_SCOPE", defaultMaterialiseScope),
		DetailsConcurrency: defaultDetailsConcurrency,
		LogLevel:           GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// Validate checks that required settings are present and consistent.
func (p *Pipeline) Validate() error {
	if p.SQLHost == "" {
		return ErrSQLHostRequired
	}

	if p.SQLDB == "" {
		return ErrSQLDatabaseRequired
	}

	if p.SecretURI == "" {
		return ErrSecretURIRequired
	}

	if p.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if p.MaterialiseScope != "all" && p.MaterialiseScope != "batch" {
		return fmt.Errorf("%w: got %q", ErrInvalidMaterialiseScope, p.MaterialiseScope)
	}

	return nil
}
