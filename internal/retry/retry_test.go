package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/stretchr/testify/assert"
)

var fast = Config{MaxAttempts: 3, InitialIntervalMs: 1, MaxIntervalMs: 2}

func TestDo_RetriesStorageErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "put", func() error {
		calls++
		if calls < 3 {
			return &document.StorageError{Op: "put", Err: errors.New("disk busy")}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "put", func() error {
		calls++
		return &document.StorageError{Op: "put", Err: errors.New("disk full")}
	})
	var se *document.StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorsStopImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("bad input")
	err := Do(context.Background(), fast, "put", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 10, InitialIntervalMs: 50, MaxIntervalMs: 50}, "put", func() error {
		calls++
		cancel()
		return &document.StorageError{Op: "put", Err: errors.New("flaky")}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
