package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRetrier_RetriesOnlyStaleVersion(t *testing.T) {
	r := newRetrier(3, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	calls := 0
	err := r.do(ctx, "reserve", func() error {
		calls++
		if calls < 3 {
			return repository.ErrStaleVersion
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = r.do(ctx, "reserve", func() error {
		calls++
		return repository.ErrStaleVersion
	})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, 3, calls)

	boom := errors.New("boom")
	calls = 0
	err = r.do(ctx, "reserve", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetrier_StopsOnContextCancel(t *testing.T) {
	r := newRetrier(100, time.Hour, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.do(ctx, "reserve", func() error { return repository.ErrStaleVersion })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDate_JSON(t *testing.T) {
	var v struct {
		Start Date  `json:"start"`
		End   *Date `json:"end"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"start":"2024-03-01","end":"2024-03-05T23:30:00+08:00"}`), &v))
	assert.Equal(t, "2024-03-01", v.Start.Format(dateLayout))
	require.NotNil(t, v.End)
	assert.Equal(t, "2024-03-05", v.End.Format(dateLayout))

	assert.Error(t, json.Unmarshal([]byte(`{"start":"03/01/2024"}`), &v))

	data, err := json.Marshal(struct {
		D Date `json:"d"`
		Z Date `json:"z"`
	}{D: NewDate(time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2024-03-01","z":null}`, string(data))

	assert.Equal(t, "2024-03-31", addDays(time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), 31).Format(dateLayout))
}
