package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk, a whole number of 4 KiB pages
const chunkSize = 64 * 4096 // 256 KiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes  int64
	SHA256 []byte
}

// CopyThrottled copies srcPath to dstPath, truncating dstPath first, at no more than
// rateBytesPerSec bytes per second (0 or less means unthrottled). The destination is synced
// before returning. ctx cancels both the throttle wait and the copy loop.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (CopyResult, error) {
	var result CopyResult

	src, err := os.Open(srcPath)
	if err != nil {
		return result, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return result, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	sum := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, rerr := src.ReadAt(buf[:chunkSize], result.Bytes)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return result, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return result, fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			result.Bytes += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return result, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return result, fmt.Errorf("sync error: %w", err)
	}
	result.SHA256 = sum.Sum(nil)
	return result, nil
}
