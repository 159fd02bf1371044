package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
)

func newTracker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tr := NewRedis(client, time.Hour)
	tr.now = func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) }
	return tr, mr
}

func TestStartAndFinish(t *testing.T) {
	tr, mr := newTracker(t)
	ctx := context.Background()
	dr := daterange.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))

	require.NoError(t, tr.Start(ctx, datafeed.JobRecord{
		TaskID:     "task-1",
		Datasource: "octopus",
		AccountID:  "A-1",
		MeterIDs:   []string{"m1", "m2"},
		Range:      dr,
	}))

	require.Equal(t, StatusRunning, mr.HGet(Key("task-1"), "status"))
	require.Equal(t, "m1,m2", mr.HGet(Key("task-1"), "meters"))
	require.Equal(t, "2024-01-01", mr.HGet(Key("task-1"), "start"))
	require.Equal(t, "2024-03-15T10:00:00Z", mr.HGet(Key("task-1"), "started_at"))
	require.Equal(t, time.Hour, mr.TTL(Key("task-1")))

	require.NoError(t, tr.Finish(ctx, "task-1", datafeed.StatusFailed, errors.New("login failed")))

	fields, err := tr.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "FAILED", fields["status"])
	require.Equal(t, "login failed", fields["error"])
	require.Equal(t, "octopus", fields["datasource"], "finish keeps the start fields")
	require.NotEmpty(t, fields["finished_at"])
}

func TestFinishWithoutStart(t *testing.T) {
	tr, mr := newTracker(t)
	require.NoError(t, tr.Finish(context.Background(), "task-2", datafeed.StatusSucceeded, nil))
	require.Equal(t, "SUCCEEDED", mr.HGet(Key("task-2"), "status"))
	require.Equal(t, "", mr.HGet(Key("task-2"), "error"))
}

func TestWriteErrors(t *testing.T) {
	tr, _ := newTracker(t)
	require.Error(t, tr.Finish(context.Background(), "", datafeed.StatusFailed, nil))

	down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { down.Close() })
	require.Error(t, NewRedis(down, 0).Start(context.Background(), datafeed.JobRecord{TaskID: "t"}))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrEmptyAddress)

	mr := miniredis.RunT(t)
	client, err := NewClient(Config{Address: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}

func TestNewTaskID(t *testing.T) {
	a, b := NewTaskID(), NewTaskID()
	require.Len(t, a, 36)
	require.NotEqual(t, a, b)
}

var _ datafeed.Tracker = (*Redis)(nil)
