package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTx struct {
	pgx.Tx
	commits   *int
	rollbacks *int
}

func (t recordingTx) Commit(ctx context.Context) error {
	*t.commits++
	return nil
}

func (t recordingTx) Rollback(ctx context.Context) error {
	*t.rollbacks++
	return nil
}

type recordingBeginner struct {
	levels    []pgx.TxIsoLevel
	commits   int
	rollbacks int
}

func (b *recordingBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.levels = append(b.levels, opts.IsoLevel)
	return recordingTx{commits: &b.commits, rollbacks: &b.rollbacks}, nil
}

func serializationFailure() error {
	return fmt.Errorf("lock request: %w", &pgconn.PgError{Code: codeSerializationFailure})
}

func TestWithTxOptionsRetriesSerializationFailure(t *testing.T) {
	b := &recordingBeginner{}
	calls := 0
	err := WithTxOptions(context.Background(), b, LockingTx, func(pgx.Tx) error {
		calls++
		if calls == 1 {
			return serializationFailure()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []pgx.TxIsoLevel{pgx.ReadCommitted, pgx.ReadCommitted}, b.levels)
	assert.Equal(t, 1, b.commits)
}

func TestWithTxOptionsGivesUpAfterRetries(t *testing.T) {
	b := &recordingBeginner{}
	calls := 0
	err := WithTxOptions(context.Background(), b, TxOptions{IsoLevel: pgx.RepeatableRead, Retries: 2}, func(pgx.Tx) error {
		calls++
		return serializationFailure()
	})
	require.True(t, IsSerializationFailure(err))
	assert.Equal(t, 3, calls)
	assert.Zero(t, b.commits)
	assert.Equal(t, 3, b.rollbacks)
}

func TestWithTxOptionsDoesNotRetryOtherErrors(t *testing.T) {
	b := &recordingBeginner{}
	boom := errors.New("boom")
	calls := 0
	err := WithTxOptions(context.Background(), b, LockingTx, func(pgx.Tx) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestPgErrorHelpers(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "super_owners_single_primary"})
	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsSerializationFailure(unique))
	assert.Equal(t, "super_owners_single_primary", ConstraintName(unique))
	assert.False(t, IsForeignKeyViolation(errors.New("plain")))
}
