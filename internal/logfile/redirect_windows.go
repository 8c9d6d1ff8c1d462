//go:build windows

package logfile

import "errors"

// RedirectStdoutStderr is unavailable on Windows; descriptor duplication
// needs a different mechanism there.
func RedirectStdoutStderr(path string) error {
	return errors.New("log file redirect is not supported on windows")
}
