package logfile

import (
	"fmt"
	"io"
	"os"
)

const (
	// maxSize is the size at which the log file is rotated in place.
	maxSize = 1 << 20 // 1 MiB
	// keepSize is how much tail survives a rotation.
	keepSize = 32 << 10 // 32 KiB
)

// Truncate shrinks the log file in place when it has grown past maxSize,
// keeping the last keepSize bytes so restarts do not accumulate unbounded
// log history. A missing file is not an error.
func Truncate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.Size() <= maxSize {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	if _, err := f.Seek(info.Size()-keepSize, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek log file: %w", err)
	}
	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read log file tail: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rewrite log file: %w", err)
	}
	defer out.Close()

	if _, err := fmt.Fprintf(out, "=== log rotated, kept last %d bytes ===\n", len(tail)); err != nil {
		return fmt.Errorf("write log header: %w", err)
	}
	if _, err := out.Write(tail); err != nil {
		return fmt.Errorf("write log tail: %w", err)
	}
	return nil
}
