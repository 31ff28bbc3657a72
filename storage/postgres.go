package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// externalIDBase offsets synthetic external leader ids so they can never
// collide with smart-wallet synthetic ids.
const externalIDBase = 1_000_000

// PostgresStore wraps PostgreSQL persistence with Redis caching
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client

	// tokenTTL bounds how long a cached token resolution is trusted.
	tokenTTL time.Duration
}

// NewPostgres creates a new PostgreSQL store with connection pooling and
// Redis cache. tokenTTL defaults to 24h when non-positive.
func NewPostgres(tokenTTL time.Duration) (*PostgresStore, error) {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "copytrade")
	password := getEnv("POSTGRES_PASSWORD", "copytrade123")
	dbname := getEnv("POSTGRES_DB", "copytrade")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=50&pool_min_conns=10",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 10
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Query timeouts so a slow query cannot hang a replication task
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     redisPassword,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, redis: rdb, tokenTTL: tokenTTL}
	if err := s.ensureSchema(context.Background()); err != nil {
		pool.Close()
		rdb.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// RedisClient exposes the shared Redis client for the ingestion layer
// (pub/sub subscription and the de-duplication seen-set).
func (s *PostgresStore) RedisClient() *redis.Client {
	return s.redis
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL UNIQUE,
			proxy_address TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_active TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id BIGSERIAL PRIMARY KEY,
			follower_id BIGINT NOT NULL,
			leader_id BIGINT NOT NULL,
			leader_address TEXT NOT NULL,
			mode TEXT NOT NULL,
			fixed_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_active
			ON subscriptions (follower_id) WHERE status = 'ACTIVE'`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_leader
			ON subscriptions (leader_id) WHERE status = 'ACTIVE'`,
		`CREATE TABLE IF NOT EXISTS budgets (
			user_id BIGINT PRIMARY KEY,
			allocation_pct DOUBLE PRECISION NOT NULL,
			wallet_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			allocated_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
			budget_remaining DOUBLE PRECISION NOT NULL DEFAULT 0,
			synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS copy_history (
			id BIGSERIAL PRIMARY KEY,
			follower_id BIGINT NOT NULL,
			leader_id BIGINT NOT NULL,
			source_trade_id TEXT NOT NULL,
			market_id TEXT NOT NULL DEFAULT '',
			token_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			leader_trade_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			leader_wallet_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			calculated_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			actual_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			failure_reason TEXT NOT NULL DEFAULT '',
			tx_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			executed_at TIMESTAMPTZ,
			UNIQUE (follower_id, source_trade_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_copy_history_leader
			ON copy_history (leader_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS leader_stats (
			leader_id BIGINT PRIMARY KEY,
			active_followers INT NOT NULL DEFAULT 0,
			trades_copied BIGINT NOT NULL DEFAULT 0,
			volume_copied DOUBLE PRECISION NOT NULL DEFAULT 0,
			fees_paid DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS external_leaders (
			id BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL UNIQUE,
			last_cursor TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS smart_wallets (
			address TEXT PRIMARY KEY,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS follower_positions (
			follower_id BIGINT NOT NULL,
			market_id TEXT NOT NULL,
			token_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			size DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (follower_id, market_id, outcome)
		)`,
		`CREATE TABLE IF NOT EXISTS token_map_cache (
			token_id TEXT PRIMARY KEY,
			condition_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			outcome_index INT NOT NULL DEFAULT 0,
			neg_risk BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS trading_credentials (
			follower_id BIGINT PRIMARY KEY,
			address TEXT NOT NULL,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			api_passphrase TEXT NOT NULL,
			funder_address TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// GetUser loads a platform user by id
func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, address, proxy_address, created_at, last_active
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.Address, &u.ProxyAddress, &u.CreatedAt, &u.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByAddress loads a platform user by wallet or proxy address
func (s *PostgresStore) GetUserByAddress(ctx context.Context, address string) (*models.User, error) {
	addr := utils.NormalizeAddress(address)
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, address, proxy_address, created_at, last_active
		FROM users WHERE LOWER(address) = $1 OR LOWER(proxy_address) = $1
	`, addr).Scan(&u.ID, &u.Username, &u.Address, &u.ProxyAddress, &u.CreatedAt, &u.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateSubscription cancels any prior active/paused subscription for the
// follower and inserts a fresh ACTIVE one in the same transaction, so the
// one-active-per-follower invariant holds even under concurrent calls.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE subscriptions SET status = 'CANCELLED', updated_at = NOW()
		WHERE follower_id = $1 AND status IN ('ACTIVE', 'PAUSED')
	`, sub.FollowerID); err != nil {
		return nil, fmt.Errorf("cancel prior subscription: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO subscriptions (follower_id, leader_id, leader_address, mode, fixed_amount, status)
		VALUES ($1, $2, $3, $4, $5, 'ACTIVE')
		RETURNING id, created_at, updated_at
	`, sub.FollowerID, sub.LeaderID, utils.NormalizeAddress(sub.LeaderAddress), sub.Mode, sub.FixedAmount).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	sub.Status = models.SubscriptionActive
	return &sub, nil
}

// GetActiveSubscription returns the follower's ACTIVE subscription, or nil
func (s *PostgresStore) GetActiveSubscription(ctx context.Context, followerID int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, follower_id, leader_id, leader_address, mode, fixed_amount, status, created_at, updated_at
		FROM subscriptions WHERE follower_id = $1 AND status = 'ACTIVE'
	`, followerID).Scan(&sub.ID, &sub.FollowerID, &sub.LeaderID, &sub.LeaderAddress,
		&sub.Mode, &sub.FixedAmount, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscriptionStatus transitions the follower's subscription between
// lifecycle states. The from-state guard keeps transitions race-safe.
func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, followerID int64, from, to models.SubscriptionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $3, updated_at = NOW()
		WHERE follower_id = $1 AND status = $2
	`, followerID, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no %s subscription for follower %d", from, followerID)
	}
	return nil
}

// UpdateSubscriptionMode changes the sizing mode of the active subscription
func (s *PostgresStore) UpdateSubscriptionMode(ctx context.Context, followerID int64, mode models.CopyMode, fixedAmount float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET mode = $2, fixed_amount = $3, updated_at = NOW()
		WHERE follower_id = $1 AND status = 'ACTIVE'
	`, followerID, mode, fixedAmount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no active subscription for follower %d", followerID)
	}
	return nil
}

// ListActiveFollowers returns all ACTIVE subscriptions for a leader
func (s *PostgresStore) ListActiveFollowers(ctx context.Context, leaderID int64) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, follower_id, leader_id, leader_address, mode, fixed_amount, status, created_at, updated_at
		FROM subscriptions WHERE leader_id = $1 AND status = 'ACTIVE'
	`, leaderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.ID, &sub.FollowerID, &sub.LeaderID, &sub.LeaderAddress,
			&sub.Mode, &sub.FixedAmount, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListActiveLeaders returns every leader with at least one ACTIVE follower
func (s *PostgresStore) ListActiveLeaders(ctx context.Context) ([]LeaderRef, error) {
	return s.queryLeaderRefs(ctx, `
		SELECT leader_id, leader_address, COUNT(*) AS followers
		FROM subscriptions WHERE status = 'ACTIVE'
		GROUP BY leader_id, leader_address
		ORDER BY followers DESC
	`)
}

// TopLeaders returns the n leaders with the most ACTIVE followers
func (s *PostgresStore) TopLeaders(ctx context.Context, n int) ([]LeaderRef, error) {
	return s.queryLeaderRefs(ctx, `
		SELECT leader_id, leader_address, COUNT(*) AS followers
		FROM subscriptions WHERE status = 'ACTIVE'
		GROUP BY leader_id, leader_address
		ORDER BY followers DESC
		LIMIT `+fmt.Sprintf("%d", n))
}

func (s *PostgresStore) queryLeaderRefs(ctx context.Context, query string) ([]LeaderRef, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []LeaderRef
	for rows.Next() {
		var ref LeaderRef
		if err := rows.Scan(&ref.LeaderID, &ref.Address, &ref.Followers); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// GetBudget loads a follower's budget snapshot
func (s *PostgresStore) GetBudget(ctx context.Context, userID int64) (*models.Budget, error) {
	var b models.Budget
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, allocation_pct, wallet_balance, allocated_budget, budget_remaining, synced_at
		FROM budgets WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.AllocationPct, &b.WalletBalance, &b.AllocatedBudget, &b.BudgetRemaining, &b.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveBudget upserts a budget snapshot
func (s *PostgresStore) SaveBudget(ctx context.Context, b models.Budget) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budgets (user_id, allocation_pct, wallet_balance, allocated_budget, budget_remaining, synced_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			allocation_pct = EXCLUDED.allocation_pct,
			wallet_balance = EXCLUDED.wallet_balance,
			allocated_budget = EXCLUDED.allocated_budget,
			budget_remaining = EXCLUDED.budget_remaining,
			synced_at = NOW()
	`, b.UserID, b.AllocationPct, b.WalletBalance, b.AllocatedBudget, b.BudgetRemaining)
	return err
}

// InsertPendingHistory inserts a PENDING audit row. If a row already exists
// for (follower_id, source_trade_id) the existing row is returned with
// created=false; duplicate deliveries collapse here.
func (s *PostgresStore) InsertPendingHistory(ctx context.Context, h models.CopyHistory) (*models.CopyHistory, bool, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO copy_history (
			follower_id, leader_id, source_trade_id, market_id, token_id, outcome, side,
			leader_trade_amount, leader_wallet_balance, calculated_amount, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'PENDING')
		ON CONFLICT (follower_id, source_trade_id) DO NOTHING
		RETURNING id, created_at
	`, h.FollowerID, h.LeaderID, h.SourceTradeID, h.MarketID, h.TokenID, h.Outcome, h.Side,
		h.LeaderTradeAmount, h.LeaderWalletBalance, h.CalculatedAmount).
		Scan(&h.ID, &h.CreatedAt)

	if err == nil {
		h.Status = models.CopyPending
		return &h, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert history: %w", err)
	}

	existing, err := s.getHistoryBySource(ctx, h.FollowerID, h.SourceTradeID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getHistoryBySource(ctx context.Context, followerID int64, sourceTradeID string) (*models.CopyHistory, error) {
	var h models.CopyHistory
	err := s.pool.QueryRow(ctx, `
		SELECT id, follower_id, leader_id, source_trade_id, market_id, token_id, outcome, side,
			leader_trade_amount, leader_wallet_balance, calculated_amount, actual_amount, price,
			status, failure_reason, tx_ref, created_at, executed_at
		FROM copy_history WHERE follower_id = $1 AND source_trade_id = $2
	`, followerID, sourceTradeID).Scan(
		&h.ID, &h.FollowerID, &h.LeaderID, &h.SourceTradeID, &h.MarketID, &h.TokenID, &h.Outcome, &h.Side,
		&h.LeaderTradeAmount, &h.LeaderWalletBalance, &h.CalculatedAmount, &h.ActualAmount, &h.Price,
		&h.Status, &h.FailureReason, &h.TxRef, &h.CreatedAt, &h.ExecutedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// FinalizeHistory moves a PENDING row to its terminal status
func (s *PostgresStore) FinalizeHistory(ctx context.Context, id int64, status models.CopyStatus, actualAmount, price float64, txRef, failureReason string) error {
	var executedAt interface{}
	if status == models.CopySuccess {
		executedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE copy_history SET
			status = $2, actual_amount = $3, price = $4, tx_ref = $5, failure_reason = $6, executed_at = $7
		WHERE id = $1 AND status = 'PENDING'
	`, id, status, actualAmount, price, txRef, failureReason, executedAt)
	return err
}

// ListHistory returns a follower's replication attempts, newest first
func (s *PostgresStore) ListHistory(ctx context.Context, followerID int64, limit int) ([]models.CopyHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, follower_id, leader_id, source_trade_id, market_id, token_id, outcome, side,
			leader_trade_amount, leader_wallet_balance, calculated_amount, actual_amount, price,
			status, failure_reason, tx_ref, created_at, executed_at
		FROM copy_history WHERE follower_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, followerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.CopyHistory
	for rows.Next() {
		var h models.CopyHistory
		if err := rows.Scan(
			&h.ID, &h.FollowerID, &h.LeaderID, &h.SourceTradeID, &h.MarketID, &h.TokenID, &h.Outcome, &h.Side,
			&h.LeaderTradeAmount, &h.LeaderWalletBalance, &h.CalculatedAmount, &h.ActualAmount, &h.Price,
			&h.Status, &h.FailureReason, &h.TxRef, &h.CreatedAt, &h.ExecutedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetFollowerStats aggregates a follower's copy activity from history rows
func (s *PostgresStore) GetFollowerStats(ctx context.Context, followerID int64) (*models.FollowerStats, error) {
	stats := models.FollowerStats{FollowerID: followerID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'SUCCESS'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'INSUFFICIENT_BUDGET'),
			COALESCE(SUM(actual_amount) FILTER (WHERE status = 'SUCCESS'), 0)
		FROM copy_history WHERE follower_id = $1
	`, followerID).Scan(&stats.TradesCopied, &stats.TradesFailed, &stats.TradesBudget, &stats.VolumeCopied)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// RecomputeLeaderStats rebuilds the derived leader aggregate from history and
// subscription rows and upserts it.
func (s *PostgresStore) RecomputeLeaderStats(ctx context.Context, leaderID int64) (*models.LeaderStats, error) {
	stats := models.LeaderStats{LeaderID: leaderID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM subscriptions WHERE leader_id = $1 AND status = 'ACTIVE'),
			COUNT(*) FILTER (WHERE status = 'SUCCESS'),
			COALESCE(SUM(actual_amount) FILTER (WHERE status = 'SUCCESS'), 0)
		FROM copy_history WHERE leader_id = $1
	`, leaderID).Scan(&stats.ActiveFollowers, &stats.TradesCopied, &stats.VolumeCopied)
	if err != nil {
		return nil, err
	}
	stats.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO leader_stats (leader_id, active_followers, trades_copied, volume_copied, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (leader_id) DO UPDATE SET
			active_followers = EXCLUDED.active_followers,
			trades_copied = EXCLUDED.trades_copied,
			volume_copied = EXCLUDED.volume_copied,
			updated_at = NOW()
	`, leaderID, stats.ActiveFollowers, stats.TradesCopied, stats.VolumeCopied)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetLeaderStats reads the cached leader aggregate
func (s *PostgresStore) GetLeaderStats(ctx context.Context, leaderID int64) (*models.LeaderStats, error) {
	var stats models.LeaderStats
	err := s.pool.QueryRow(ctx, `
		SELECT leader_id, active_followers, trades_copied, volume_copied, fees_paid, updated_at
		FROM leader_stats WHERE leader_id = $1
	`, leaderID).Scan(&stats.LeaderID, &stats.ActiveFollowers, &stats.TradesCopied,
		&stats.VolumeCopied, &stats.FeesPaid, &stats.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.RecomputeLeaderStats(ctx, leaderID)
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// UpsertExternalLeader registers an external address on first sighting and
// refreshes last_seen_at afterwards. The synthetic virtual id is derived from
// the row id, so re-resolving the same address is stable.
func (s *PostgresStore) UpsertExternalLeader(ctx context.Context, address string) (*models.ExternalLeader, error) {
	addr := utils.NormalizeAddress(address)

	var leader models.ExternalLeader
	var rowID int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO external_leaders (address)
		VALUES ($1)
		ON CONFLICT (address) DO UPDATE SET last_seen_at = NOW()
		RETURNING id, address, last_cursor, is_active, first_seen_at, last_seen_at
	`, addr).Scan(&rowID, &leader.Address, &leader.LastCursor, &leader.IsActive,
		&leader.FirstSeenAt, &leader.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("upsert external leader: %w", err)
	}

	leader.VirtualID = -(externalIDBase + rowID)
	return &leader, nil
}

// GetExternalLeaderByID resolves a synthetic external id back to its address
func (s *PostgresStore) GetExternalLeaderByID(ctx context.Context, virtualID int64) (*models.ExternalLeader, error) {
	rowID := -virtualID - externalIDBase
	if rowID <= 0 {
		return nil, nil
	}

	var leader models.ExternalLeader
	err := s.pool.QueryRow(ctx, `
		SELECT address, last_cursor, is_active, first_seen_at, last_seen_at
		FROM external_leaders WHERE id = $1
	`, rowID).Scan(&leader.Address, &leader.LastCursor, &leader.IsActive,
		&leader.FirstSeenAt, &leader.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	leader.VirtualID = virtualID
	return &leader, nil
}

// UpdateLeaderCursor advances the poll cursor for an external leader
func (s *PostgresStore) UpdateLeaderCursor(ctx context.Context, address, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE external_leaders SET last_cursor = $2, last_seen_at = NOW()
		WHERE address = $1
	`, utils.NormalizeAddress(address), cursor)
	return err
}

// IsSmartWallet checks the smart-wallet registry
func (s *PostgresStore) IsSmartWallet(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM smart_wallets WHERE address = $1)
	`, utils.NormalizeAddress(address)).Scan(&exists)
	return exists, err
}

// UpsertFollowerPosition adds the given delta onto the follower's position.
// Cost-weighted average price is maintained across buys.
func (s *PostgresStore) UpsertFollowerPosition(ctx context.Context, pos models.FollowerPosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO follower_positions (follower_id, market_id, token_id, outcome, size, avg_price, total_cost, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (follower_id, market_id, outcome) DO UPDATE SET
			token_id = EXCLUDED.token_id,
			size = follower_positions.size + EXCLUDED.size,
			avg_price = (follower_positions.total_cost + EXCLUDED.total_cost) / NULLIF(follower_positions.size + EXCLUDED.size, 0),
			total_cost = follower_positions.total_cost + EXCLUDED.total_cost,
			updated_at = NOW()
	`, pos.FollowerID, pos.MarketID, pos.TokenID, pos.Outcome, pos.Size, pos.AvgPrice, pos.TotalCost)
	return err
}

// GetFollowerPosition returns the follower's holding, or nil when flat
func (s *PostgresStore) GetFollowerPosition(ctx context.Context, followerID int64, marketID, outcome string) (*models.FollowerPosition, error) {
	var pos models.FollowerPosition
	err := s.pool.QueryRow(ctx, `
		SELECT follower_id, market_id, token_id, outcome, size, avg_price, total_cost, updated_at
		FROM follower_positions
		WHERE follower_id = $1 AND market_id = $2 AND outcome = $3
	`, followerID, marketID, outcome).Scan(&pos.FollowerID, &pos.MarketID, &pos.TokenID, &pos.Outcome,
		&pos.Size, &pos.AvgPrice, &pos.TotalCost, &pos.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ReduceFollowerPosition subtracts sold tokens; rows at or below zero are
// deleted so dust never accumulates.
func (s *PostgresStore) ReduceFollowerPosition(ctx context.Context, followerID int64, marketID, outcome string, size float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE follower_positions SET
			size = size - $4,
			total_cost = GREATEST(total_cost - $4 * avg_price, 0),
			updated_at = NOW()
		WHERE follower_id = $1 AND market_id = $2 AND outcome = $3
	`, followerID, marketID, outcome, size)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		DELETE FROM follower_positions
		WHERE follower_id = $1 AND market_id = $2 AND outcome = $3 AND size <= 0.0001
	`, followerID, marketID, outcome)
	return err
}

// GetTokenResolution reads a cached token→market mapping. Redis is consulted
// first; the database copy is trusted only within the cache TTL.
func (s *PostgresStore) GetTokenResolution(ctx context.Context, tokenID string) (*models.MarketResolution, error) {
	cacheKey := "token:" + tokenID
	if val, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		var res models.MarketResolution
		if json.Unmarshal([]byte(val), &res) == nil {
			return &res, nil
		}
	}

	var res models.MarketResolution
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT token_id, condition_id, outcome, outcome_index, neg_risk, updated_at
		FROM token_map_cache WHERE token_id = $1
	`, tokenID).Scan(&res.TokenID, &res.MarketID, &res.Outcome, &res.OutcomeIndex, &res.NegRisk, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Since(updatedAt) > s.tokenTTL {
		return nil, nil
	}

	if data, err := json.Marshal(res); err == nil {
		s.redis.Set(ctx, cacheKey, data, s.tokenTTL)
	}
	return &res, nil
}

// SaveTokenResolution caches a successful token→market mapping. Failed
// resolutions are never cached.
func (s *PostgresStore) SaveTokenResolution(ctx context.Context, res models.MarketResolution) error {
	if data, err := json.Marshal(res); err == nil {
		s.redis.Set(ctx, "token:"+res.TokenID, data, s.tokenTTL)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_map_cache (token_id, condition_id, outcome, outcome_index, neg_risk, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (token_id) DO UPDATE SET
			condition_id = EXCLUDED.condition_id,
			outcome = EXCLUDED.outcome,
			outcome_index = EXCLUDED.outcome_index,
			neg_risk = EXCLUDED.neg_risk,
			updated_at = NOW()
	`, res.TokenID, res.MarketID, res.Outcome, res.OutcomeIndex, res.NegRisk)
	return err
}

// ListKnownTokenIDs returns cached token ids for fuzzy suffix matching
func (s *PostgresStore) ListKnownTokenIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT token_id FROM token_map_cache ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTradingCredentials loads a follower's exchange credentials
func (s *PostgresStore) GetTradingCredentials(ctx context.Context, followerID int64) (*models.TradingCredentials, error) {
	var creds models.TradingCredentials
	err := s.pool.QueryRow(ctx, `
		SELECT follower_id, address, api_key, api_secret, api_passphrase, funder_address
		FROM trading_credentials WHERE follower_id = $1
	`, followerID).Scan(&creds.FollowerID, &creds.Address, &creds.APIKey,
		&creds.APISecret, &creds.APIPassphrase, &creds.FunderAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &creds, nil
}
