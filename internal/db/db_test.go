package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*DBClient, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewFromDB(sqlx.NewDb(raw, "pgx"), logger.Nop()), mock
}

func TestProbe(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery(`SELECT 1 FROM trial_balances LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, client.Probe(context.Background()))

	mock.ExpectQuery(`SELECT 1 FROM trial_balances LIMIT 1`).
		WillReturnError(errors.New("connection refused"))
	assert.Error(t, client.Probe(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCommits(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin()
	for range schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, client.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS subscriptions`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := client.Migrate(context.Background())
	assert.ErrorContains(t, err, "migration statement 0 failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
