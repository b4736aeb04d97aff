package job

import (
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Wait when timeoutMs elapses before the job
// reaches a terminal state.
var ErrTimeout = errors.New("job: wait timed out")

func timeAfter(timeoutMs int) <-chan time.Time {
	return time.After(time.Duration(timeoutMs) * time.Millisecond)
}
