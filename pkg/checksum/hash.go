package checksum

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/verigo/verigo/pkg/pool"
)

// HashFile computes the checksum of the file at path using the given
// algorithm, reading through a pooled buffer. The context is checked
// between read chunks so a cancelled run stops mid-file.
func HashFile(ctx context.Context, alg Algorithm, path string, bufPool *pool.FixedBufferPool) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	h := alg.New()
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	var read int64
	for {
		if err := ctx.Err(); err != nil {
			return "", read, err
		}
		n, err := f.Read(*buf)
		if n > 0 {
			read += int64(n)
			if _, werr := h.Write((*buf)[:n]); werr != nil {
				return "", read, fmt.Errorf("failed to hash %q: %w", path, werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", read, fmt.Errorf("failed to read %q: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), read, nil
}
