package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"sixjars/internal/core"
	"sixjars/internal/services"
)

// SQLiteRepository persists jar sets and incomes in SQLite. It is both
// the JarRepository and the IncomeStore of the engine, and implements
// BatchWriter so every batch operation commits in one transaction.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

const jarColumns = "name, description, percent, amount, current_amount"

func (r *SQLiteRepository) ListJars(ctx context.Context, userID string) ([]core.Jar, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+jarColumns+" FROM jars WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, fmt.Errorf("list jars: %w", err)
	}
	defer rows.Close()

	var jars []core.Jar
	for rows.Next() {
		jar, err := scanJar(rows)
		if err != nil {
			return nil, err
		}
		jars = append(jars, jar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jars: %w", err)
	}
	return jars, nil
}

func (r *SQLiteRepository) GetJar(ctx context.Context, userID, name string) (*core.Jar, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+jarColumns+" FROM jars WHERE user_id = ? AND name = ?",
		userID, core.NormalizeName(name))
	jar, err := scanJar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &jar, nil
}

func (r *SQLiteRepository) InsertJar(ctx context.Context, userID string, jar core.Jar) error {
	return insertJar(ctx, r.db, userID, jar)
}

func (r *SQLiteRepository) UpdateJar(ctx context.Context, userID, name string, jar core.Jar) error {
	return updateJar(ctx, r.db, userID, name, jar)
}

func (r *SQLiteRepository) DeleteJar(ctx context.Context, userID, name string) (bool, error) {
	return deleteJar(ctx, r.db, userID, name)
}

func (r *SQLiteRepository) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM jars ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// ApplyBatch implements services.BatchWriter: one transaction per batch,
// so a crash mid-batch can never leave the allocation invariant broken
// on disk.
func (r *SQLiteRepository) ApplyBatch(ctx context.Context, userID string, batch services.WriteBatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	for _, jar := range batch.Inserts {
		if err := insertJar(ctx, tx, userID, jar); err != nil {
			return err
		}
	}
	for _, w := range batch.Updates {
		if err := updateJar(ctx, tx, userID, w.Name, w.Jar); err != nil {
			return err
		}
	}
	for _, name := range batch.Deletes {
		if _, err := deleteJar(ctx, tx, userID, name); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch transaction: %w", err)
	}

	slog.InfoContext(ctx, "Batch committed",
		"user_id", userID,
		"inserts", len(batch.Inserts),
		"updates", len(batch.Updates),
		"deletes", len(batch.Deletes))
	return nil
}

func (r *SQLiteRepository) TotalIncome(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		"SELECT total_income FROM incomes WHERE user_id = ?", userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get total income: %w", err)
	}
	income, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse total income %q: %w", raw, err)
	}
	return income, nil
}

func (r *SQLiteRepository) SetTotalIncome(ctx context.Context, userID string, income decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO incomes (user_id, total_income, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET total_income = excluded.total_income, updated_at = CURRENT_TIMESTAMP`,
		userID, income.String())
	if err != nil {
		return fmt.Errorf("set total income: %w", err)
	}
	return nil
}

// execer covers both *sql.DB and *sql.Tx so the write helpers serve the
// single-call methods and ApplyBatch alike.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJar(ctx context.Context, db execer, userID string, jar core.Jar) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO jars (user_id, name, description, percent, amount, current_amount)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, core.NormalizeName(jar.Name), jar.Description, jar.Percent,
		jar.Amount.String(), jar.CurrentAmount.String())
	if err != nil {
		return fmt.Errorf("insert jar %q: %w", jar.Name, err)
	}
	return nil
}

func updateJar(ctx context.Context, db execer, userID, name string, jar core.Jar) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jars
		SET name = ?, description = ?, percent = ?, amount = ?, current_amount = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND name = ?`,
		core.NormalizeName(jar.Name), jar.Description, jar.Percent,
		jar.Amount.String(), jar.CurrentAmount.String(),
		userID, core.NormalizeName(name))
	if err != nil {
		return fmt.Errorf("update jar %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update jar %q: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("jar %q: %w", name, core.ErrJarNotFound)
	}
	return nil
}

func deleteJar(ctx context.Context, db execer, userID, name string) (bool, error) {
	res, err := db.ExecContext(ctx,
		"DELETE FROM jars WHERE user_id = ? AND name = ?",
		userID, core.NormalizeName(name))
	if err != nil {
		return false, fmt.Errorf("delete jar %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete jar %q: %w", name, err)
	}
	return affected > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJar(row scanner) (core.Jar, error) {
	var (
		jar           core.Jar
		amount, spent string
	)
	if err := row.Scan(&jar.Name, &jar.Description, &jar.Percent, &amount, &spent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Jar{}, err
		}
		return core.Jar{}, fmt.Errorf("scan jar: %w", err)
	}

	var err error
	if jar.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.Jar{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if jar.CurrentAmount, err = decimal.NewFromString(spent); err != nil {
		return core.Jar{}, fmt.Errorf("parse current amount %q: %w", spent, err)
	}
	jar.CurrentPercent = core.SpentShare(jar.CurrentAmount, jar.Amount)
	return jar, nil
}
