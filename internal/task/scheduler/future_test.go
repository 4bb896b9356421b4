package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	t.Parallel()
	f := newFuture[int]()
	assert.False(t, f.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.resolve(1, nil)
	f.resolve(2, errors.New("late"))
	require.True(t, f.Ready())
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestBindOnceCarriesValueAndError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	u, fut := bindOnce(func(context.Context) (string, error) { return "partial", boom })

	err := u.run(context.Background())
	assert.ErrorIs(t, err, boom)
	u.done(err)

	v, ferr := fut.Get()
	assert.Equal(t, "partial", v)
	assert.ErrorIs(t, ferr, boom)
}
