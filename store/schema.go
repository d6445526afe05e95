package store

const Schema = `
CREATE TABLE IF NOT EXISTS strategies (
	strategy_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	initial_capital REAL NOT NULL,

	available_cash REAL NOT NULL,
	locked_capital REAL NOT NULL DEFAULT 0,
	cooldown_capital REAL NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,

	max_position_size REAL NOT NULL,
	max_total_exposure REAL NOT NULL,
	daily_budget REAL NOT NULL,
	max_drawdown_pct REAL NOT NULL,
	max_consecutive_losses INTEGER NOT NULL,
	cooldown_seconds INTEGER NOT NULL,
	clamp_oversize INTEGER NOT NULL DEFAULT 0,
	resume_equity_pct REAL NOT NULL DEFAULT 0,

	sizing_method TEXT NOT NULL,
	fixed_bet REAL NOT NULL DEFAULT 0,
	kelly_fraction REAL NOT NULL DEFAULT 0,
	edge_multiplier REAL NOT NULL DEFAULT 0,
	conviction_base REAL NOT NULL DEFAULT 0,
	tiers TEXT NOT NULL DEFAULT '',
	min_bet REAL NOT NULL DEFAULT 0,
	max_bet REAL NOT NULL DEFAULT 0,

	peak_equity REAL NOT NULL,
	drawdown_pct REAL NOT NULL DEFAULT 0,
	consecutive_losses INTEGER NOT NULL DEFAULT 0,
	daily_spent REAL NOT NULL DEFAULT 0,
	daily_spent_day TEXT NOT NULL DEFAULT '',
	circuit_breaker_active INTEGER NOT NULL DEFAULT 0,
	circuit_breaker_reason TEXT NOT NULL DEFAULT '',
	paused INTEGER NOT NULL DEFAULT 0,
	pause_reason TEXT NOT NULL DEFAULT '',
	inconsistent INTEGER NOT NULL DEFAULT 0,

	created_at DATETIME NOT NULL,
	archived_at DATETIME
);

CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	intent_id TEXT,
	side TEXT NOT NULL,
	signal_price REAL NOT NULL,
	signal_size REAL NOT NULL,
	cost REAL NOT NULL,
	executed_price REAL,
	executed_size REAL,
	external_id TEXT,
	status TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT 'OPEN',
	pnl REAL NOT NULL DEFAULT 0,
	reason_code TEXT NOT NULL DEFAULT '',
	placed_at DATETIME NOT NULL,
	filled_at DATETIME,
	resolved_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_intent
	ON orders(intent_id) WHERE intent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_orders_strategy_outcome
	ON orders(strategy_id, outcome);

CREATE TABLE IF NOT EXISTS cooldown_entries (
	entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL,
	order_id TEXT,
	amount REAL NOT NULL,
	available_at INTEGER NOT NULL,
	released_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cooldown_order
	ON cooldown_entries(order_id) WHERE order_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_cooldown_due
	ON cooldown_entries(available_at) WHERE released_at IS NULL;

CREATE TABLE IF NOT EXISTS order_intents (
	intent_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS job_leases (
	job_name TEXT PRIMARY KEY,
	locked_until INTEGER NOT NULL,
	locked_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_history (
	time DATETIME NOT NULL,
	strategy_id TEXT NOT NULL,
	equity REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	drawdown_pct REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_equity_strategy ON equity_history(strategy_id, time);

CREATE TABLE IF NOT EXISTS risk_events (
	time DATETIME NOT NULL,
	strategy_id TEXT NOT NULL,
	event TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_risk_events_strategy ON risk_events(strategy_id, time);
`
