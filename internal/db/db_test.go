package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx satisfies pgx.Tx via the embedded interface; only the methods the
// TxManager calls are implemented.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx       *fakeTx
	beginErr error
}

func (b *fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestTxManager_RunInTx_CommitsOnSuccess(t *testing.T) {
	tx := &fakeTx{}
	mgr := NewTxManager(&fakeBeginner{tx: tx})

	err := mgr.RunInTx(context.Background(), func(dbtx DBTX) error {
		assert.NotNil(t, dbtx)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
}

func TestTxManager_RunInTx_RollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	mgr := NewTxManager(&fakeBeginner{tx: tx})

	cause := errors.New("balance exhausted")
	err := mgr.RunInTx(context.Background(), func(dbtx DBTX) error {
		return cause
	})
	require.ErrorIs(t, err, cause)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestTxManager_RunInTx_BeginError(t *testing.T) {
	cause := errors.New("pool exhausted")
	mgr := NewTxManager(&fakeBeginner{beginErr: cause})

	called := false
	err := mgr.RunInTx(context.Background(), func(dbtx DBTX) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, cause)
	assert.False(t, called)
}

func TestTxManager_RunInTx_CommitError(t *testing.T) {
	cause := errors.New("serialization failure")
	tx := &fakeTx{commitErr: cause}
	mgr := NewTxManager(&fakeBeginner{tx: tx})

	err := mgr.RunInTx(context.Background(), func(dbtx DBTX) error { return nil })
	require.ErrorIs(t, err, cause)
}

func TestNilIfEmpty(t *testing.T) {
	assert.Nil(t, nilIfEmpty(""))
	require.NotNil(t, nilIfEmpty("x"))
	assert.Equal(t, "x", *nilIfEmpty("x"))
}

func TestNilIfZeroTime(t *testing.T) {
	assert.Nil(t, nilIfZeroTime(time.Time{}))
	now := time.Now()
	require.NotNil(t, nilIfZeroTime(now))
	assert.Equal(t, now, *nilIfZeroTime(now))
}
