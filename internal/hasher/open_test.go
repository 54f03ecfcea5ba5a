package hasher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedOpen replaces openFile for one test. The first len(errs) calls
// fail with the given errors; later calls open the real file.
func scriptedOpen(t *testing.T, errs ...error) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	prev := openFile
	openFile = func(name string) (*os.File, error) {
		n := int(calls.Add(1))
		if n <= len(errs) {
			return nil, &fs.PathError{Op: "open", Path: name, Err: errs[n-1]}
		}
		return os.Open(name)
	}
	t.Cleanup(func() { openFile = prev })
	return &calls
}

func sharingViolation() error { return syscall.Errno(32) }

func tempFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	return p
}

func TestOpenRetry_RecoversFromTransientFailure(t *testing.T) {
	path := tempFile(t)
	calls := scriptedOpen(t, sharingViolation(), sharingViolation())

	f, err := openRetry(context.Background(), path)
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, int32(openAttempts), calls.Load())
}

func TestOpenRetry_GivesUpAfterAttempts(t *testing.T) {
	path := tempFile(t)
	calls := scriptedOpen(t, sharingViolation(), sharingViolation(), sharingViolation(), sharingViolation())

	_, err := openRetry(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.Errno(32))
	assert.Equal(t, int32(openAttempts), calls.Load())
}

func TestOpenRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	for _, cause := range []error{fs.ErrNotExist, fs.ErrPermission} {
		t.Run(cause.Error(), func(t *testing.T) {
			path := tempFile(t)
			calls := scriptedOpen(t, cause)

			start := time.Now()
			_, err := openRetry(context.Background(), path)
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, int32(1), calls.Load())
			assert.Less(t, time.Since(start), openBackoff)
		})
	}
}

func TestOpenRetry_StopsWhenContextEnds(t *testing.T) {
	path := tempFile(t)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	prev := openFile
	openFile = func(string) (*os.File, error) {
		calls.Add(1)
		cancel()
		return nil, errors.New("locked")
	}
	t.Cleanup(func() { openFile = prev })

	_, err := openRetry(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}
