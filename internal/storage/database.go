package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row looked up by id does not exist
var ErrNotFound = errors.New("storage: not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn, now: time.Now}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema. Timestamps are unix milliseconds.
func (db *DB) migrate() error {
	schema := `
	-- Door transitions; duration_seconds is backfilled on opening rows
	CREATE TABLE IF NOT EXISTS door_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		is_open INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		duration_seconds INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_door_states_timestamp ON door_states(timestamp);

	-- Per-sensor state snapshots
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id TEXT NOT NULL,
		temperature REAL,
		humidity REAL,
		pressure REAL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_sensor ON sensor_readings(sensor_id);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_timestamp ON sensor_readings(timestamp);

	-- Heat-loss estimates, one per door opening
	CREATE TABLE IF NOT EXISTS energy_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		door_state_id INTEGER NOT NULL,
		energy_loss_watts REAL NOT NULL,
		cost_euros REAL NOT NULL,
		co2_grams REAL NOT NULL,
		indoor_temp REAL NOT NULL,
		outdoor_temp REAL NOT NULL,
		delta_t REAL NOT NULL,
		duration_seconds INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (door_state_id) REFERENCES door_states(id)
	);
	CREATE INDEX IF NOT EXISTS idx_energy_metrics_timestamp ON energy_metrics(timestamp);
	CREATE INDEX IF NOT EXISTS idx_energy_metrics_door ON energy_metrics(door_state_id);

	-- Gamification
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		level TEXT NOT NULL DEFAULT 'BRONZE',
		daily_streak INTEGER NOT NULL DEFAULT 0,
		quick_close_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS badges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		badge_type TEXT NOT NULL,
		earned_at INTEGER NOT NULL,
		UNIQUE (user_id, badge_type),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Tables lists the managed tables in schema order
var Tables = []string{"door_states", "sensor_readings", "energy_metrics", "users", "badges"}

// Counts returns the number of rows in each managed table
func (db *DB) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(Tables))
	for _, table := range Tables {
		var n int64
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Query runs a raw query. Callers must close the returned rows.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// --- Door State Operations ---

// InsertDoorState inserts a door transition and returns its id
func (db *DB) InsertDoorState(ctx context.Context, d *DoorState) (int64, error) {
	var duration sql.NullInt64
	if d.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: *d.DurationSeconds, Valid: true}
	}

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO door_states (is_open, timestamp, duration_seconds) VALUES (?, ?, ?)`,
		d.IsOpen, toMillis(d.Timestamp), duration)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SetDoorStateDuration backfills the open duration on an opening record
func (db *DB) SetDoorStateDuration(ctx context.Context, id int64, seconds int64) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE door_states SET duration_seconds = ? WHERE id = ?`, seconds, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("door state %d: %w", id, ErrNotFound)
	}
	return nil
}

const doorStateColumns = `id, is_open, timestamp, duration_seconds`

func scanDoorState(row interface{ Scan(...any) error }) (*DoorState, error) {
	d := &DoorState{}
	var ts int64
	var duration sql.NullInt64
	if err := row.Scan(&d.ID, &d.IsOpen, &ts, &duration); err != nil {
		return nil, err
	}
	d.Timestamp = fromMillis(ts)
	if duration.Valid {
		v := duration.Int64
		d.DurationSeconds = &v
	}
	return d, nil
}

// GetDoorState retrieves a door transition by id
func (db *DB) GetDoorState(ctx context.Context, id int64) (*DoorState, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+doorStateColumns+` FROM door_states WHERE id = ?`, id)
	d, err := scanDoorState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("door state %d: %w", id, ErrNotFound)
	}
	return d, err
}

// LatestDoorState returns the most recent door transition
func (db *DB) LatestDoorState(ctx context.Context) (*DoorState, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+doorStateColumns+` FROM door_states ORDER BY timestamp DESC, id DESC LIMIT 1`)
	d, err := scanDoorState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest door state: %w", ErrNotFound)
	}
	return d, err
}

// RecentDoorStates returns up to limit transitions, newest first
func (db *DB) RecentDoorStates(ctx context.Context, limit int) ([]*DoorState, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+doorStateColumns+` FROM door_states ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*DoorState
	for rows.Next() {
		d, err := scanDoorState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, d)
	}
	return states, rows.Err()
}

// SumOpenDuration sums the backfilled durations of opening records with a
// timestamp in [from, to)
func (db *DB) SumOpenDuration(ctx context.Context, from, to time.Time) (int64, error) {
	var total int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(duration_seconds), 0) FROM door_states
		WHERE is_open = 1 AND timestamp >= ? AND timestamp < ?`,
		toMillis(from), toMillis(to)).Scan(&total)
	return total, err
}

// CountOpenings counts opening records with a timestamp in [from, to)
func (db *DB) CountOpenings(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM door_states WHERE is_open = 1 AND timestamp >= ? AND timestamp < ?`,
		toMillis(from), toMillis(to)).Scan(&n)
	return n, err
}

// --- Sensor Reading Operations ---

// InsertSensorReading stores a sensor snapshot
func (db *DB) InsertSensorReading(ctx context.Context, r *SensorReading) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO sensor_readings (sensor_id, temperature, humidity, pressure, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		r.SensorID, nullFloat(r.Temperature), nullFloat(r.Humidity), nullFloat(r.Pressure), toMillis(r.Timestamp))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentSensorReadings returns up to limit readings for a sensor, newest
// first. An empty sensorID returns readings for all sensors.
func (db *DB) RecentSensorReadings(ctx context.Context, sensorID string, limit int) ([]*SensorReading, error) {
	query := `SELECT id, sensor_id, temperature, humidity, pressure, timestamp FROM sensor_readings`
	args := []any{}
	if sensorID != "" {
		query += ` WHERE sensor_id = ?`
		args = append(args, sensorID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*SensorReading
	for rows.Next() {
		r := &SensorReading{}
		var temp, hum, pres sql.NullFloat64
		var ts int64
		if err := rows.Scan(&r.ID, &r.SensorID, &temp, &hum, &pres, &ts); err != nil {
			return nil, err
		}
		r.Temperature = floatPtr(temp)
		r.Humidity = floatPtr(hum)
		r.Pressure = floatPtr(pres)
		r.Timestamp = fromMillis(ts)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// --- Energy Metric Operations ---

// InsertEnergyMetric stores an energy metric
func (db *DB) InsertEnergyMetric(ctx context.Context, m *EnergyMetric) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO energy_metrics
		(door_state_id, energy_loss_watts, cost_euros, co2_grams, indoor_temp, outdoor_temp,
			delta_t, duration_seconds, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.DoorStateID, m.EnergyLossWatts, m.CostEuros, m.CO2Grams, m.IndoorTemp, m.OutdoorTemp,
		m.DeltaT, m.DurationSeconds, toMillis(m.Timestamp))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentEnergyMetrics returns up to limit metrics, newest first
func (db *DB) RecentEnergyMetrics(ctx context.Context, limit int) ([]*EnergyMetric, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, door_state_id, energy_loss_watts, cost_euros, co2_grams, indoor_temp,
			outdoor_temp, delta_t, duration_seconds, timestamp
		FROM energy_metrics ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*EnergyMetric
	for rows.Next() {
		m := &EnergyMetric{}
		var ts int64
		if err := rows.Scan(&m.ID, &m.DoorStateID, &m.EnergyLossWatts, &m.CostEuros, &m.CO2Grams,
			&m.IndoorTemp, &m.OutdoorTemp, &m.DeltaT, &m.DurationSeconds, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = fromMillis(ts)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// SumEnergy aggregates energy metrics with a timestamp in [from, to)
func (db *DB) SumEnergy(ctx context.Context, from, to time.Time) (EnergyTotals, error) {
	var t EnergyTotals
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(energy_loss_watts), 0), COALESCE(SUM(cost_euros), 0),
			COALESCE(SUM(co2_grams), 0)
		FROM energy_metrics WHERE timestamp >= ? AND timestamp < ?`,
		toMillis(from), toMillis(to)).Scan(&t.Count, &t.EnergyLossWatts, &t.CostEuros, &t.CO2Grams)
	return t, err
}

// HasShortColdOpening reports whether an opening record in [from, to)
// lasted less than maxDuration seconds while its linked energy metric saw
// an outdoor temperature below maxOutdoor.
func (db *DB) HasShortColdOpening(ctx context.Context, from, to time.Time, maxDuration int64, maxOutdoor float64) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM door_states d
			JOIN energy_metrics m ON m.door_state_id = d.id
			WHERE d.is_open = 1 AND d.timestamp >= ? AND d.timestamp < ?
				AND d.duration_seconds IS NOT NULL AND d.duration_seconds < ?
				AND m.outdoor_temp < ?
		)`,
		toMillis(from), toMillis(to), maxDuration, maxOutdoor).Scan(&exists)
	return exists, err
}

// --- User Operations ---

const userColumns = `id, name, points, level, daily_streak, quick_close_count, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Name, &u.Points, &u.Level, &u.DailyStreak, &u.QuickCloseCount,
		&created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

// CreateUser inserts a user. A zero ID lets SQLite assign one.
func (db *DB) CreateUser(ctx context.Context, u *User) (int64, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = db.now()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}

	var id any
	if u.ID != 0 {
		id = u.ID
	}
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, u.Name, u.Points, u.Level, u.DailyStreak, u.QuickCloseCount,
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, err
}

// ListUsers returns all users ordered by id
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser persists the mutable gamification fields of a user
func (db *DB) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = db.now()
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET name = ?, points = ?, level = ?, daily_streak = ?, quick_close_count = ?,
			updated_at = ?
		WHERE id = ?`,
		u.Name, u.Points, u.Level, u.DailyStreak, u.QuickCloseCount, toMillis(u.UpdatedAt), u.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", u.ID, ErrNotFound)
	}
	return nil
}

// EnsureUser creates the user with the given id if it does not exist yet
func (db *DB) EnsureUser(ctx context.Context, id int64, name, level string) (*User, error) {
	u, err := db.GetUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u = &User{ID: id, Name: name, Level: level}
	if _, err := db.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user %d: %w", id, err)
	}
	return u, nil
}

// --- Badge Operations ---

// ListBadges returns the badges held by a user, oldest first
func (db *DB) ListBadges(ctx context.Context, userID int64) ([]*Badge, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, badge_type, earned_at FROM badges WHERE user_id = ? ORDER BY earned_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var badges []*Badge
	for rows.Next() {
		b := &Badge{}
		var earned int64
		if err := rows.Scan(&b.ID, &b.UserID, &b.BadgeType, &earned); err != nil {
			return nil, err
		}
		b.EarnedAt = fromMillis(earned)
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// InsertBadge awards a badge. It returns false without error when the user
// already holds a badge of that type.
func (db *DB) InsertBadge(ctx context.Context, b *Badge) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO badges (user_id, badge_type, earned_at) VALUES (?, ?, ?)`,
		b.UserID, b.BadgeType, toMillis(b.EarnedAt))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	b.ID, _ = result.LastInsertId()
	return true, nil
}
