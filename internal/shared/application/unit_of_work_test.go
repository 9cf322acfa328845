package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUnitOfWork struct {
	beginErr    error
	commitErr   error
	committed   bool
	rolledBack  bool
	rollbackErr error
}

func (s *stubUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	if s.beginErr != nil {
		return ctx, s.beginErr
	}
	return context.WithValue(ctx, stubTxKey{}, true), nil
}

func (s *stubUnitOfWork) Commit(ctx context.Context) error {
	s.committed = true
	return s.commitErr
}

func (s *stubUnitOfWork) Rollback(ctx context.Context) error {
	s.rolledBack = true
	return s.rollbackErr
}

type stubTxKey struct{}

func TestWithUnitOfWork_CommitsOnSuccess(t *testing.T) {
	uow := &stubUnitOfWork{}

	executed := false
	err := WithUnitOfWork(context.Background(), uow, func(ctx context.Context) error {
		executed = true
		assert.Equal(t, true, ctx.Value(stubTxKey{}), "fn should receive the transaction context")
		return nil
	})

	require.NoError(t, err)
	assert.True(t, executed)
	assert.True(t, uow.committed)
	assert.False(t, uow.rolledBack)
}

func TestWithUnitOfWork_RollsBackOnError(t *testing.T) {
	uow := &stubUnitOfWork{rollbackErr: errors.New("rollback failed")}

	fnErr := errors.New("boom")
	err := WithUnitOfWork(context.Background(), uow, func(ctx context.Context) error {
		return fnErr
	})

	// The function error wins over the rollback error.
	require.ErrorIs(t, err, fnErr)
	assert.True(t, uow.rolledBack)
	assert.False(t, uow.committed)
}

func TestWithUnitOfWork_BeginFailureSkipsFn(t *testing.T) {
	uow := &stubUnitOfWork{beginErr: errors.New("begin failed")}

	executed := false
	err := WithUnitOfWork(context.Background(), uow, func(ctx context.Context) error {
		executed = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, executed)
}

func TestWithUnitOfWork_ReturnsCommitError(t *testing.T) {
	uow := &stubUnitOfWork{commitErr: errors.New("commit failed")}

	err := WithUnitOfWork(context.Background(), uow, func(ctx context.Context) error {
		return nil
	})

	require.ErrorIs(t, err, uow.commitErr)
}
