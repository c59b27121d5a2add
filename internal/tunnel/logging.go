package tunnel

import (
	"io"
	"os"

	"github.com/sammck-go/logger"
)

// NewRootLogger creates the top-level Logger used by a cmd/ main. verbose
// raises the level to Debug; otherwise Info is used, matching the -v flag
// convention of the teacher CLI this package's idiom is drawn from.
func NewRootLogger(prefix string, verbose bool) (logger.Logger, error) {
	level := logger.LogLevelInfo
	if verbose {
		level = logger.LogLevelDebug
	}
	return logger.New(
		logger.WithWriter(io.Writer(os.Stderr)),
		logger.WithLogLevel(level),
		logger.WithPrefix(prefix),
	)
}
