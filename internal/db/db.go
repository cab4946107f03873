package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/pkg/logger"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// DBClient представляет клиент для работы с базой данных.
type DBClient struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Options - параметры пула соединений.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// NewDBClient подключается к PostgreSQL через pgx stdlib драйвер.
func NewDBClient(dsn string, opts Options, log *logger.Logger) (*DBClient, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		log.Errorw("Failed to connect to database", "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	return &DBClient{db: db, log: log}, nil
}

// NewFromDB оборачивает уже открытое соединение (используется в тестах со sqlmock).
func NewFromDB(db *sqlx.DB, log *logger.Logger) *DBClient {
	return &DBClient{db: db, log: log}
}

// DB возвращает sqlx соединение для репозиториев.
func (dc *DBClient) DB() *sqlx.DB {
	return dc.db
}

// Probe - дешевое чтение для проверки доступности хранилища.
func (dc *DBClient) Probe(ctx context.Context) error {
	var one int
	if err := dc.db.GetContext(ctx, &one, probeQuery); err != nil {
		dc.log.Warnw("Database probe failed", "error", err)
		return fmt.Errorf("database probe failed: %w", err)
	}
	return nil
}

// Migrate создает таблицы, если их еще нет. Все DDL выполняются в одной транзакции.
func (dc *DBClient) Migrate(ctx context.Context) error {
	tx, err := dc.db.BeginTxx(ctx, nil)
	if err != nil {
		dc.log.Errorw("Failed to begin migration transaction", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			dc.log.Errorw("Migration statement failed", "error", err, "statement", i)
			if rbErr := tx.Rollback(); rbErr != nil {
				dc.log.Errorw("Failed to rollback migration", "error", rbErr)
			}
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		dc.log.Errorw("Failed to commit migration", "error", err)
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	dc.log.Infow("Database schema is up to date", "statements", len(schema))
	return nil
}

// Close закрывает соединение с базой данных.
func (dc *DBClient) Close() error {
	if err := dc.db.Close(); err != nil {
		dc.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}
