package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"

	"trailcore/internal/crypto"
	"trailcore/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PostgresPersistence records triggers, dead letters, and guard alerts
// for reconciliation and reporting. It sits outside the update hot
// path; the engine never waits on it.
type PostgresPersistence struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// FeedCredentials holds decrypted market feed API credentials
type FeedCredentials struct {
	APIKey    string
	APISecret string
}

// NewPostgresPersistence connects to PostgreSQL using the POSTGRES_*
// environment variables and verifies the connection.
func NewPostgresPersistence(ctx context.Context, logger *slog.Logger) (*PostgresPersistence, error) {
	connStr := buildConnectionString()
	logger.Info("[POSTGRES] Connecting to database", "host", os.Getenv("POSTGRES_HOST"))

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("[POSTGRES] Connected to database")

	return &PostgresPersistence{pool: pool, logger: logger}, nil
}

// buildConnectionString creates a PostgreSQL connection string from environment variables
func buildConnectionString() string {
	host := getEnvOrDefault("POSTGRES_HOST", "localhost")
	port := getEnvOrDefault("POSTGRES_PORT", "5432")
	user := getEnvOrDefault("POSTGRES_USER", "trailcore")
	dbname := getEnvOrDefault("POSTGRES_DB", "trailcore")

	// Try to read password from Docker secret first
	password := ""
	if data, err := os.ReadFile("/run/secrets/postgres_password"); err == nil {
		password = strings.TrimSpace(string(data))
	} else {
		password = os.Getenv("POSTGRES_PASSWORD")
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases the connection pool
func (p *PostgresPersistence) Close() {
	p.pool.Close()
	p.logger.Info("[POSTGRES] Connection pool closed")
}

// EnsureSchema creates the tables this service writes to
func (p *PostgresPersistence) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS trailing_stop_triggers (
			id            TEXT PRIMARY KEY,
			position_id   TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			side          TEXT NOT NULL,
			trigger_price DOUBLE PRECISION NOT NULL,
			stop_price    DOUBLE PRECISION NOT NULL,
			pnl_estimate  DOUBLE PRECISION NOT NULL,
			context       JSONB,
			triggered_at  TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_triggers_position ON trailing_stop_triggers (position_id);

		CREATE TABLE IF NOT EXISTS trigger_dead_letters (
			trigger_id  TEXT NOT NULL,
			payload     JSONB NOT NULL,
			error       TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS guard_alerts (
			position_id    TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			reason         TEXT NOT NULL,
			observed_delta DOUBLE PRECISION NOT NULL,
			raised_at      TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feed_credentials (
			feed_name            TEXT PRIMARY KEY,
			api_key_encrypted    TEXT NOT NULL,
			api_secret_encrypted TEXT NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// SaveTrigger persists a trigger event. Conflicts on the stable id are
// ignored so redelivery stays idempotent.
func (p *PostgresPersistence) SaveTrigger(ctx context.Context, trigger types.TrailingStopTrigger) error {
	contextJSON, err := json.Marshal(trigger.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger context: %w", err)
	}

	query := `
		INSERT INTO trailing_stop_triggers
			(id, position_id, symbol, side, trigger_price, stop_price, pnl_estimate, context, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = p.pool.Exec(ctx, query,
		trigger.ID,
		trigger.PositionID,
		trigger.Symbol,
		string(trigger.Side),
		trigger.TriggerPrice,
		trigger.StopPrice,
		trigger.PnLEstimate,
		contextJSON,
		trigger.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	return nil
}

// SaveDeadLetter records a trigger whose delivery exhausted retries
func (p *PostgresPersistence) SaveDeadLetter(ctx context.Context, trigger types.TrailingStopTrigger, deliveryErr error) error {
	payload, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	query := `
		INSERT INTO trigger_dead_letters (trigger_id, payload, error)
		VALUES ($1, $2, $3)
	`
	if _, err := p.pool.Exec(ctx, query, trigger.ID, payload, deliveryErr.Error()); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	p.logger.Warn("[POSTGRES] Dead letter recorded",
		"trigger_id", trigger.ID,
		"error", deliveryErr.Error())
	return nil
}

// SaveAlert records a circuit breaker alert
func (p *PostgresPersistence) SaveAlert(ctx context.Context, alert types.Alert) error {
	query := `
		INSERT INTO guard_alerts (position_id, symbol, reason, observed_delta, raised_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := p.pool.Exec(ctx, query,
		alert.PositionID,
		alert.Symbol,
		alert.Reason,
		alert.ObservedDelta,
		alert.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListTriggers returns the most recent triggers for a position
func (p *PostgresPersistence) ListTriggers(ctx context.Context, positionID string, limit int) ([]types.TrailingStopTrigger, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, position_id, symbol, side, trigger_price, stop_price, pnl_estimate, triggered_at
		FROM trailing_stop_triggers
		WHERE position_id = $1
		ORDER BY triggered_at DESC
		LIMIT $2
	`
	rows, err := p.pool.Query(ctx, query, positionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var out []types.TrailingStopTrigger
	for rows.Next() {
		var t types.TrailingStopTrigger
		var side string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &side,
			&t.TriggerPrice, &t.StopPrice, &t.PnLEstimate, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		t.Side = types.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetFeedCredentials loads and decrypts market feed API credentials.
// Credentials are stored AES-256-GCM encrypted; the key comes from a
// Docker secret or the ENCRYPTION_KEY environment variable.
func (p *PostgresPersistence) GetFeedCredentials(ctx context.Context, feedName string) (*FeedCredentials, error) {
	encryptionKey, err := crypto.LoadEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}

	query := `
		SELECT api_key_encrypted, api_secret_encrypted
		FROM feed_credentials
		WHERE feed_name = $1
	`
	var keyEnc, secretEnc string
	if err := p.pool.QueryRow(ctx, query, feedName).Scan(&keyEnc, &secretEnc); err != nil {
		return nil, fmt.Errorf("failed to load feed credentials: %w", err)
	}

	apiKey, err := crypto.DecryptCredential(keyEnc, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api key: %w", err)
	}
	apiSecret, err := crypto.DecryptCredential(secretEnc, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api secret: %w", err)
	}

	return &FeedCredentials{APIKey: apiKey, APISecret: apiSecret}, nil
}
