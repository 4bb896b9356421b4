package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerd/pkg/logx"
)

func firing(i int) Firing {
	return Firing{
		At:         time.Unix(int64(1000+i), 0).UTC(),
		TimerID:    fmt.Sprintf("id-%d", i),
		Name:       fmt.Sprintf("job-%d", i),
		Kind:       "every",
		Outcome:    OutcomeFired,
		Expiration: time.Unix(int64(1000+i), 0).UTC(),
		Lateness:   time.Duration(i) * time.Millisecond,
	}
}

func TestStores(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "nested", "timerd.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)

			for i := 1; i <= 5; i++ {
				require.NoError(t, st.AppendFiring(ctx, firing(i)))
			}
			overdue := firing(6)
			overdue.Outcome = OutcomeOverdue
			overdue.Error = "late"
			require.NoError(t, st.AppendFiring(ctx, overdue))

			got, err := st.RecentFirings(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "job-6", got[0].Name)
			assert.Equal(t, OutcomeOverdue, got[0].Outcome)
			assert.Equal(t, "late", got[0].Error)
			assert.Equal(t, 6*time.Millisecond, got[0].Lateness)
			assert.True(t, got[0].Expiration.Equal(overdue.Expiration))
			assert.Equal(t, "job-4", got[2].Name)

			none, err := st.RecentFirings(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, none)

			require.NoError(t, st.Close())

			// Reopening keeps the records.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err = st.RecentFirings(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, got, 6)
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "timerd.json")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 3}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	for i := 1; i <= 6; i++ {
		require.NoError(t, st.AppendFiring(ctx, firing(i)))
	}
	lines, err := countLines(filepath.Join(filepath.Dir(path), "timerd.firings.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 3, lines)

	require.NoError(t, st.AppendFiring(ctx, firing(7)))
	got, err := st.RecentFirings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "job-7", got[0].Name)
	assert.Equal(t, "job-4", got[3].Name)
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "j.firings.jsonl"), []byte("{not json\n"), 0o600))
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "j")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.AppendFiring(context.Background(), firing(1)))
	got, err := st.RecentFirings(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0].Name)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.ErrorContains(t, err, "storage.path")
}
