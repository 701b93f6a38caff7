package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/osucapital/market-engine/internal/lots"
	"github.com/osucapital/market-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Settlement transactions take row locks in a fixed order: the stock row
// (FOR SHARE), then the user row, then the user's open lots (FOR UPDATE).
// Refresh writes lock the stock row FOR UPDATE before touching lots, so the
// two never deadlock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, url string, minConns, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if minConns > 0 {
		poolCfg.MinConns = minConns
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Migrate applies the embedded schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const stockColumns = `stock_id, share_price::TEXT, last_known_price::TEXT, last_updated, prevent_trades,
	is_buyable, is_sellable, is_banned,
	display_name, picture_url, banner_url, country_code,
	rank, skill_rating, rank_history, playcount_history, join_date, best_plays`

const tradeColumns = `id, user_id, stock_id, type,
	num_shares::TEXT, share_price::TEXT, coins::TEXT, coins_with_taxes::TEXT,
	profit::TEXT, shares_left::TEXT, timestamp, COALESCE(idempotency_key, '')`

// --- Stocks ---

func (s *PostgresStore) GetStock(ctx context.Context, id int64) (*model.Stock, error) {
	st, err := scanStock(s.pool.QueryRow(ctx,
		`SELECT `+stockColumns+` FROM stocks WHERE stock_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stock %d: %w", id, err)
	}
	return st, nil
}

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stockColumns+` FROM stocks ORDER BY (rank = 0), rank, stock_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, *st)
	}
	return stocks, rows.Err()
}

func (s *PostgresStore) ListStaleStocks(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	query := `SELECT stock_id FROM stocks
		 WHERE NOT prevent_trades AND last_updated < $1
		 ORDER BY last_updated, stock_id`
	args := []any{olderThan}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ApplyRefresh(ctx context.Context, w model.RefreshWrite) (*model.Stock, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	id := w.Stock.StockID
	var (
		exists       = true
		prevUpdated  time.Time
		prevPrice    *string
		prevKnown    string
		preventTrade bool
	)
	err = tx.QueryRow(ctx,
		`SELECT last_updated, share_price::TEXT, last_known_price::TEXT, prevent_trades
		 FROM stocks WHERE stock_id = $1 FOR UPDATE`, id).
		Scan(&prevUpdated, &prevPrice, &prevKnown, &preventTrade)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("lock stock %d: %w", id, err)
	}

	if exists {
		if !prevUpdated.Equal(w.ExpectedLastUpdated) {
			return nil, ErrStaleWrite
		}
	} else if !w.ExpectedLastUpdated.IsZero() {
		return nil, ErrNotFound
	}

	st := cloneStock(&w.Stock)
	st.PreventTrades = preventTrade
	if exists {
		if st.LastKnownPrice, err = decimal.NewFromString(prevKnown); err != nil {
			return nil, fmt.Errorf("parse last known price: %w", err)
		}
	}
	if st.SharePrice.Valid {
		st.LastKnownPrice = st.SharePrice.Decimal
	}
	st.LastUpdated = nextLastUpdated(prevUpdated, st.LastUpdated)

	args, err := stockWriteArgs(st)
	if err != nil {
		return nil, err
	}

	if !exists {
		ct, err := tx.Exec(ctx,
			`INSERT INTO stocks (stock_id, share_price, last_known_price, last_updated,
			        is_buyable, is_sellable, is_banned,
			        display_name, picture_url, banner_url, country_code,
			        rank, skill_rating, rank_history, playcount_history, join_date, best_plays)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10, $11,
			         $12, $13, $14, $15::JSONB, $16, $17::JSONB)
			 ON CONFLICT (stock_id) DO NOTHING`, args...)
		if err != nil {
			return nil, fmt.Errorf("insert stock %d: %w", id, err)
		}
		if ct.RowsAffected() == 0 {
			// Created concurrently since we looked.
			return nil, ErrStaleWrite
		}
	} else {
		ct, err := tx.Exec(ctx,
			`UPDATE stocks
			 SET share_price = $2::NUMERIC, last_known_price = $3::NUMERIC, last_updated = $4,
			     is_buyable = $5, is_sellable = $6, is_banned = $7,
			     display_name = $8, picture_url = $9, banner_url = $10, country_code = $11,
			     rank = $12, skill_rating = $13, rank_history = $14,
			     playcount_history = $15::JSONB, join_date = $16, best_plays = $17::JSONB
			 WHERE stock_id = $1 AND last_updated = $18`, append(args, prevUpdated)...)
		if err != nil {
			return nil, fmt.Errorf("update stock %d: %w", id, err)
		}
		if ct.RowsAffected() != 1 {
			return nil, fmt.Errorf("update stock %d: %w", id, ErrUnexpectedRowCount)
		}

		if w.Dilute {
			old, err := parseNullDecimal(prevPrice)
			if err != nil {
				return nil, err
			}
			if _, ok := DilutionFactor(old, st.SharePrice); ok {
				if err := diluteTx(ctx, tx, id, old.Decimal, st.SharePrice.Decimal); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func diluteTx(ctx context.Context, tx pgx.Tx, stockID int64, oldPrice, newPrice decimal.Decimal) error {
	if _, err := tx.Exec(ctx,
		`UPDATE trades SET shares_left = TRUNC(shares_left * $2::NUMERIC / $3::NUMERIC, 2)
		 WHERE stock_id = $1 AND type = 'buy' AND shares_left > 0`,
		stockID, oldPrice.String(), newPrice.String()); err != nil {
		return fmt.Errorf("dilute lots of %d: %w", stockID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE holdings h
		 SET shares = COALESCE((
		     SELECT SUM(t.shares_left) FROM trades t
		     WHERE t.user_id = h.user_id AND t.stock_id = h.stock_id AND t.type = 'buy'), 0)
		 WHERE h.stock_id = $1`, stockID); err != nil {
		return fmt.Errorf("dilute holdings of %d: %w", stockID, err)
	}
	return nil
}

func (s *PostgresStore) MarkBanned(ctx context.Context, w model.BanWrite) (*model.Stock, error) {
	st, err := scanStock(s.pool.QueryRow(ctx,
		`UPDATE stocks
		 SET share_price = NULL, is_buyable = FALSE, is_sellable = FALSE, is_banned = TRUE,
		     last_updated = GREATEST($2, last_updated + INTERVAL '1 microsecond')
		 WHERE stock_id = $1 AND last_updated = $3
		 RETURNING `+stockColumns,
		w.StockID, w.LastUpdated.UTC(), w.ExpectedLastUpdated))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ban stock %d: %w", w.StockID, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stocks WHERE stock_id = $1)`, w.StockID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrStaleWrite
}

func (s *PostgresStore) SetPreventTrades(ctx context.Context, id int64, prevent bool) (*model.Stock, error) {
	st, err := scanStock(s.pool.QueryRow(ctx,
		`UPDATE stocks SET prevent_trades = $2 WHERE stock_id = $1 RETURNING `+stockColumns,
		id, prevent))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set prevent_trades %d: %w", id, err)
	}
	return st, nil
}

func (s *PostgresStore) InsertRebalanceCheck(ctx context.Context, c *model.RebalanceCheck) error {
	oldScores, err := json.Marshal(orEmpty(c.OldScores))
	if err != nil {
		return err
	}
	newScores, err := json.Marshal(orEmpty(c.NewScores))
	if err != nil {
		return err
	}
	changes, err := json.Marshal(orEmpty(c.Changes))
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rebalance_checks (id, stock_id, old_scores, new_scores, changes, did_rebalance, checked_at)
		 VALUES ($1, $2, $3::JSONB, $4::JSONB, $5::JSONB, $6, $7)`,
		c.ID, c.StockID, string(oldScores), string(newScores), string(changes), c.DidRebalance, c.CheckedAt)
	if err != nil {
		return fmt.Errorf("insert rebalance check for %d: %w", c.StockID, err)
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) EnsureUser(ctx context.Context, userID int64, startingCoins decimal.Decimal) (*model.User, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, coins_held) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, startingCoins.String()); err != nil {
		return nil, fmt.Errorf("ensure user %d: %w", userID, err)
	}
	return s.GetUser(ctx, userID)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var coins string
	err := s.pool.QueryRow(ctx,
		`SELECT coins_held::TEXT FROM users WHERE user_id = $1`, userID).Scan(&coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}

	u := &model.User{UserID: userID}
	if u.CoinsHeld, err = decimal.NewFromString(coins); err != nil {
		return nil, fmt.Errorf("parse coins: %w", err)
	}
	return u, nil
}

// --- Ledger ---

func (s *PostgresStore) GetOpenLots(ctx context.Context, userID, stockID int64) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE user_id = $1 AND stock_id = $2 AND type = 'buy' AND shares_left > 0
		 ORDER BY timestamp, id`, userID, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByStock(ctx context.Context, stockID int64, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE stock_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`, stockID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID int64, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE user_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`, userID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetHoldings(ctx context.Context, userID int64) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stock_id, shares::TEXT FROM holdings
		 WHERE user_id = $1 AND shares > 0 ORDER BY stock_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h := model.Holding{UserID: userID}
		var shares string
		if err := rows.Scan(&h.StockID, &shares); err != nil {
			return nil, err
		}
		if h.Shares, err = decimal.NewFromString(shares); err != nil {
			return nil, fmt.Errorf("parse shares: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// --- Price history ---

func (s *PostgresStore) InsertPricePoint(ctx context.Context, p model.PricePoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (stock_id, price, recorded_at) VALUES ($1, $2::NUMERIC, $3)`,
		p.StockID, p.Price.String(), p.RecordedAt)
	return err
}

func (s *PostgresStore) SnapshotPrices(ctx context.Context, at time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (stock_id, price, recorded_at)
		 SELECT stock_id, share_price, $1 FROM stocks WHERE share_price IS NOT NULL`, at)
	if err != nil {
		return 0, fmt.Errorf("snapshot prices: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, stockID int64, since time.Time) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT price::TEXT, recorded_at FROM price_history
		 WHERE stock_id = $1 AND recorded_at >= $2 ORDER BY recorded_at, id`, stockID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		p := model.PricePoint{StockID: stockID}
		var price string
		if err := rows.Scan(&price, &p.RecordedAt); err != nil {
			return nil, err
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Settlement ---

func (s *PostgresStore) SettleBuy(ctx context.Context, o model.BuyOrder) (*model.Settlement, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := checkTradableTx(ctx, tx, o.StockID, o.Price); err != nil {
		return nil, err
	}
	coins, err := lockUserTx(ctx, tx, o.UserID)
	if err != nil {
		return nil, err
	}
	if err := claimIdempotency(ctx, tx, o.UserID, o.IdempotencyKey, string(model.Buy)); err != nil {
		return nil, err
	}

	bonus := decimal.Zero
	if o.TradingBonus.IsPositive() {
		var boughtToday bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM trades WHERE user_id = $1 AND type = 'buy' AND timestamp >= $2)`,
			o.UserID, o.BonusWindowStart).Scan(&boughtToday); err != nil {
			return nil, err
		}
		if !boughtToday {
			bonus = o.TradingBonus
		}
	}

	gross := o.Shares.Mul(o.Price)
	debit := buyDebit(gross, o.Tax, bonus)
	if debit.GreaterThan(coins) {
		return nil, ErrInsufficientFunds
	}
	coins = coins.Sub(debit)
	if err := setCoinsTx(ctx, tx, o.UserID, coins); err != nil {
		return nil, err
	}

	t := model.Trade{
		UserID:         o.UserID,
		StockID:        o.StockID,
		Type:           model.Buy,
		NumShares:      o.Shares,
		SharePrice:     o.Price,
		Coins:          gross,
		CoinsWithTaxes: debit,
		Profit:         decimal.Zero,
		SharesLeft:     o.Shares,
		Timestamp:      o.Timestamp,
		IdempotencyKey: o.IdempotencyKey,
	}
	if err := insertTradeTx(ctx, tx, &t); err != nil {
		return nil, err
	}

	var held string
	if err := tx.QueryRow(ctx,
		`INSERT INTO holdings (user_id, stock_id, shares) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, stock_id) DO UPDATE SET shares = holdings.shares + EXCLUDED.shares
		 RETURNING shares::TEXT`,
		o.UserID, o.StockID, o.Shares.String()).Scan(&held); err != nil {
		return nil, fmt.Errorf("update holding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &model.Settlement{
		Trade:         t,
		Tax:           o.Tax,
		TradingBonus:  bonus,
		CoinsHeld:     coins,
		HoldingShares: decimal.RequireFromString(held),
	}, nil
}

func (s *PostgresStore) SettleSell(ctx context.Context, o model.SellOrder, calc lots.Calculator) (*model.Settlement, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := checkTradableTx(ctx, tx, o.StockID, o.Price); err != nil {
		return nil, err
	}
	coins, err := lockUserTx(ctx, tx, o.UserID)
	if err != nil {
		return nil, err
	}
	if err := claimIdempotency(ctx, tx, o.UserID, o.IdempotencyKey, string(model.Sell)); err != nil {
		return nil, err
	}
	open, err := lockOpenLotsTx(ctx, tx, o.UserID, o.StockID)
	if err != nil {
		return nil, err
	}
	if o.Shares.GreaterThan(lots.OpenShares(open)) {
		return nil, ErrInsufficientShares
	}

	res, err := sellLotsTx(ctx, tx, o.UserID, o.StockID, coins, open, o.Shares, o.Price, o.MaxCoins,
		o.IdempotencyKey, o.Timestamp, calc)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) SettleLiquidation(ctx context.Context, o model.LiquidationOrder, calc lots.Calculator) (*model.Settlement, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var price *string
	var prevent bool
	err = tx.QueryRow(ctx,
		`SELECT share_price::TEXT, prevent_trades FROM stocks WHERE stock_id = $1 FOR SHARE`, o.StockID).
		Scan(&price, &prevent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if prevent {
		return nil, ErrStockLocked
	}
	if price != nil {
		return nil, ErrStockListed
	}

	coins, err := lockUserTx(ctx, tx, o.UserID)
	if err != nil {
		return nil, err
	}
	if err := claimIdempotency(ctx, tx, o.UserID, o.IdempotencyKey, "liquidate"); err != nil {
		return nil, err
	}
	open, err := lockOpenLotsTx(ctx, tx, o.UserID, o.StockID)
	if err != nil {
		return nil, err
	}
	shares := lots.OpenShares(open)
	if !shares.IsPositive() {
		return nil, ErrInsufficientShares
	}

	res, err := sellLotsTx(ctx, tx, o.UserID, o.StockID, coins, open, shares, o.PricePerShare, o.MaxCoins,
		o.IdempotencyKey, o.Timestamp, calc)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func sellLotsTx(ctx context.Context, tx pgx.Tx, userID, stockID int64, coins decimal.Decimal, open []model.Trade,
	shares, price, maxCoins decimal.Decimal, key string, at time.Time, calc lots.Calculator) (*model.Settlement, error) {
	alloc := calc.Allocate(open, shares, price)

	b := &pgx.Batch{}
	for _, c := range alloc.Consumed {
		b.Queue(`UPDATE trades SET shares_left = $2::NUMERIC WHERE id = $1`, c.TradeID, c.SharesLeft.String())
	}
	br := tx.SendBatch(ctx, b)
	for range alloc.Consumed {
		ct, err := br.Exec()
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("consume lot: %w", err)
		}
		if ct.RowsAffected() != 1 {
			br.Close()
			return nil, fmt.Errorf("consume lot: %w", ErrUnexpectedRowCount)
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}

	credit := alloc.Proceeds.Sub(alloc.Tax)
	coins = capCoins(coins.Add(credit), maxCoins)
	if err := setCoinsTx(ctx, tx, userID, coins); err != nil {
		return nil, err
	}

	t := model.Trade{
		UserID:         userID,
		StockID:        stockID,
		Type:           model.Sell,
		NumShares:      alloc.Allocated,
		SharePrice:     price,
		Coins:          alloc.Proceeds,
		CoinsWithTaxes: credit,
		Profit:         alloc.Profit,
		SharesLeft:     decimal.Zero,
		Timestamp:      at,
		IdempotencyKey: key,
	}
	if err := insertTradeTx(ctx, tx, &t); err != nil {
		return nil, err
	}

	var held string
	err := tx.QueryRow(ctx,
		`UPDATE holdings SET shares = shares - $3::NUMERIC
		 WHERE user_id = $1 AND stock_id = $2 RETURNING shares::TEXT`,
		userID, stockID, alloc.Allocated.String()).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update holding: %w", ErrUnexpectedRowCount)
	}
	if err != nil {
		return nil, fmt.Errorf("update holding: %w", err)
	}

	return &model.Settlement{
		Trade:         t,
		Consumed:      alloc.Consumed,
		Tax:           alloc.Tax,
		TradingBonus:  decimal.Zero,
		CoinsHeld:     coins,
		HoldingShares: decimal.RequireFromString(held),
	}, nil
}

func checkTradableTx(ctx context.Context, tx pgx.Tx, stockID int64, price decimal.Decimal) error {
	var stored *string
	var prevent bool
	err := tx.QueryRow(ctx,
		`SELECT share_price::TEXT, prevent_trades FROM stocks WHERE stock_id = $1 FOR SHARE`, stockID).
		Scan(&stored, &prevent)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if prevent {
		return ErrStockLocked
	}
	current, err := parseNullDecimal(stored)
	if err != nil {
		return err
	}
	if !current.Valid || !current.Decimal.Equal(price) {
		return ErrPriceChanged
	}
	return nil
}

func lockUserTx(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error) {
	var coins string
	err := tx.QueryRow(ctx,
		`SELECT coins_held::TEXT FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(coins)
}

func setCoinsTx(ctx context.Context, tx pgx.Tx, userID int64, coins decimal.Decimal) error {
	ct, err := tx.Exec(ctx,
		`UPDATE users SET coins_held = $2::NUMERIC WHERE user_id = $1`, userID, coins.String())
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("update balance: %w", ErrUnexpectedRowCount)
	}
	return nil
}

func lockOpenLotsTx(ctx context.Context, tx pgx.Tx, userID, stockID int64) ([]model.Trade, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE user_id = $1 AND stock_id = $2 AND type = 'buy' AND shares_left > 0
		 ORDER BY timestamp, id
		 FOR UPDATE`, userID, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func insertTradeTx(ctx context.Context, tx pgx.Tx, t *model.Trade) error {
	var key any
	if t.IdempotencyKey != "" {
		key = t.IdempotencyKey
	}
	err := tx.QueryRow(ctx,
		`INSERT INTO trades (user_id, stock_id, type, num_shares, share_price, coins, coins_with_taxes,
		        profit, shares_left, timestamp, idempotency_key)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 RETURNING id`,
		t.UserID, t.StockID, string(t.Type),
		t.NumShares.String(), t.SharePrice.String(), t.Coins.String(), t.CoinsWithTaxes.String(),
		t.Profit.String(), t.SharesLeft.String(), t.Timestamp, key).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, userID int64, key, action string) error {
	if key == "" {
		return nil
	}
	ct, err := tx.Exec(ctx,
		`INSERT INTO idempotency_keys (key, user_id, action) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`, key, userID, action)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrDuplicateTrade
	}
	return nil
}

// --- Scanning ---

func scanStock(row pgx.Row) (*model.Stock, error) {
	var (
		st         model.Stock
		price      *string
		lastKnown  string
		joinDate   *time.Time
		playcounts []byte
		bestPlays  []byte
	)
	if err := row.Scan(&st.StockID, &price, &lastKnown, &st.LastUpdated, &st.PreventTrades,
		&st.IsBuyable, &st.IsSellable, &st.IsBanned,
		&st.DisplayName, &st.PictureURL, &st.BannerURL, &st.CountryCode,
		&st.Rank, &st.SkillRating, &st.RankHistory, &playcounts, &joinDate, &bestPlays); err != nil {
		return nil, err
	}

	var err error
	if st.SharePrice, err = parseNullDecimal(price); err != nil {
		return nil, err
	}
	if st.LastKnownPrice, err = decimal.NewFromString(lastKnown); err != nil {
		return nil, fmt.Errorf("parse last known price: %w", err)
	}
	if joinDate != nil {
		st.JoinDate = *joinDate
	}
	if len(playcounts) > 0 {
		if err := json.Unmarshal(playcounts, &st.PlaycountHistory); err != nil {
			return nil, fmt.Errorf("decode playcount history: %w", err)
		}
	}
	if len(bestPlays) > 0 {
		if err := json.Unmarshal(bestPlays, &st.BestPlays); err != nil {
			return nil, fmt.Errorf("decode best plays: %w", err)
		}
	}
	return &st, nil
}

// stockWriteArgs returns $1..$17 of the stock insert/update statements.
func stockWriteArgs(st *model.Stock) ([]any, error) {
	var price any
	if st.SharePrice.Valid {
		price = st.SharePrice.Decimal.String()
	}
	playcounts, err := json.Marshal(orEmpty(st.PlaycountHistory))
	if err != nil {
		return nil, err
	}
	var bestPlays any
	if st.BestPlays != nil {
		b, err := json.Marshal(st.BestPlays)
		if err != nil {
			return nil, err
		}
		bestPlays = string(b)
	}
	var joinDate any
	if !st.JoinDate.IsZero() {
		joinDate = st.JoinDate
	}

	return []any{
		st.StockID, price, st.LastKnownPrice.String(), st.LastUpdated,
		st.IsBuyable, st.IsSellable, st.IsBanned,
		st.DisplayName, st.PictureURL, st.BannerURL, st.CountryCode,
		st.Rank, st.SkillRating, st.RankHistory, string(playcounts), joinDate, bestPlays,
	}, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var typ, shares, price, coins, withTaxes, profit, left string
		if err := rows.Scan(&t.ID, &t.UserID, &t.StockID, &typ,
			&shares, &price, &coins, &withTaxes, &profit, &left,
			&t.Timestamp, &t.IdempotencyKey); err != nil {
			return nil, err
		}
		t.Type = model.TradeType(typ)

		var err error
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&t.NumShares, shares},
			{&t.SharePrice, price},
			{&t.Coins, coins},
			{&t.CoinsWithTaxes, withTaxes},
			{&t.Profit, profit},
			{&t.SharesLeft, left},
		} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return nil, fmt.Errorf("parse trade %d: %w", t.ID, err)
			}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse decimal %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL is no limit
	}
	return limit
}

func orEmpty[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}

// IsUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
