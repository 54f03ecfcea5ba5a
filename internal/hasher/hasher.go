// Package hasher computes the xxHash64 content fingerprint used for
// duplicate detection. Files above a size ceiling are fingerprinted from
// three fixed-size samples instead of their full content, so two large files
// that differ only inside an unsampled region hash the same.
package hasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultMaxFileBytes is the largest file hashed in full.
	DefaultMaxFileBytes int64 = 50 << 20
	// DefaultSampleBytes is the size of each sample for larger files.
	DefaultSampleBytes int64 = 50 << 20

	chunkSize    = 64 << 10
	openAttempts = 3
	openBackoff  = 50 * time.Millisecond
)

// openFile is swapped out by tests.
var openFile = os.Open

var (
	// ErrEmptyFile is returned for files with no content.
	ErrEmptyFile = errors.New("hasher: empty file")
	// ErrNotRegular is returned for directories, devices and the like.
	ErrNotRegular = errors.New("hasher: not a regular file")
)

// Options bounds the cost of hashing one file. Zero fields take defaults.
type Options struct {
	MaxFileBytes int64
	SampleBytes  int64
}

func (o Options) withDefaults() Options {
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = DefaultMaxFileBytes
	}
	if o.SampleBytes <= 0 {
		o.SampleBytes = DefaultSampleBytes
	}
	return o
}

// Sum is the result of hashing one file.
type Sum struct {
	Hash    uint64
	Size    int64
	ModTime time.Time
	Sampled bool
}

// File hashes the file at path. ctx is checked between chunks.
func File(ctx context.Context, path string, opts Options) (Sum, error) {
	opts = opts.withDefaults()

	f, err := openRetry(ctx, path)
	if err != nil {
		return Sum{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Sum{}, fmt.Errorf("hasher: stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Sum{}, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	size := info.Size()
	if size == 0 {
		return Sum{}, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	d := xxhash.New()
	buf := make([]byte, chunkSize)
	sum := Sum{Size: size, ModTime: info.ModTime()}

	var read int64
	if size <= opts.MaxFileBytes {
		read, err = copyChunks(ctx, d, f, buf)
	} else {
		sum.Sampled = true
		for _, off := range SampleOffsets(size, opts.SampleBytes) {
			n := min(opts.SampleBytes, size-off)
			var r int64
			r, err = copyChunks(ctx, d, io.NewSectionReader(f, off, n), buf)
			read += r
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		return Sum{}, fmt.Errorf("hasher: read %q: %w", path, err)
	}
	if read == 0 {
		return Sum{}, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	sum.Hash = d.Sum64()
	return sum, nil
}

// SampleOffsets returns where samples of the given size are taken from a
// file of size bytes: the start, the middle when size > 2*sample, and the
// final window when size > sample.
func SampleOffsets(size, sample int64) []int64 {
	offs := []int64{0}
	if size > 2*sample {
		offs = append(offs, size/2)
	}
	if size > sample {
		offs = append(offs, size-sample)
	}
	return offs
}

func copyChunks(ctx context.Context, w io.Writer, r io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// openRetry opens path for reading, retrying briefly when another process
// holds the file without read sharing. Missing files and permission errors
// are not retried.
func openRetry(ctx context.Context, path string) (*os.File, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(openBackoff), openAttempts-1),
		ctx,
	)
	f, err := backoff.RetryWithData(func() (*os.File, error) {
		f, err := openFile(path)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, backoff.Permanent(err)
		}
		return f, err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("hasher: open %q: %w", path, err)
	}
	return f, nil
}
