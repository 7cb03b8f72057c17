package jobtracker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrNotFound is returned by remote fetchers when the backend does not know the id.
	ErrNotFound = errors.New("not found")
	// ErrJobNotFound is returned when the ledger has no job with the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminated is returned when a transition is applied to a job that already terminated.
	ErrJobTerminated = errors.New("job already terminated")
	// ErrNotRetryable is returned by Retry for jobs without an original request.
	ErrNotRetryable = errors.New("job has no original request to resubmit")
	// ErrRetryInProgress is returned by Retry while another resubmission of the same job is outstanding.
	ErrRetryInProgress = errors.New("retry already in progress")
	// ErrSyncCompletion is returned by the poller when an ephemeral id is unknown
	// to the backend, meaning the work finished synchronously and was never tracked.
	ErrSyncCompletion = errors.New("job completed synchronously and was never tracked")
	// ErrPollingCeiling is returned by the poller when the loop ran out of time
	// without a terminal outcome. The job continues in the background.
	ErrPollingCeiling = errors.New("polling ceiling reached, continuing in background")
	// ErrDecodeRace marks the decoding failure the backend produces while it is
	// still writing the result pointer of a finished job.
	ErrDecodeRace = errors.New("empty status payload")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// StatusError is a non-2xx response from the generation backend.
type StatusError struct {
	Code int
	Body string
}

// Error returns the human-readable error message.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// JobFailedError reports that the backend declared the job failed.
type JobFailedError struct {
	JobID  string
	Report *StatusReport
}

// Error returns the human-readable error message.
func (e *JobFailedError) Error() string {
	msg := e.Report.Error
	if msg == "" {
		msg = e.Report.UserFriendlyError
	}
	if msg == "" {
		msg = "generation failed"
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, msg)
}

// RetriesExhaustedError reports that transient errors consumed the retry
// budget and the final authoritative check did not succeed either.
type RetriesExhaustedError struct {
	JobID    string
	Attempts int
	Last     error
}

// Error returns the human-readable error message.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("job %s: status check failed after %d retries: %v", e.JobID, e.Attempts, e.Last)
}

// Unwrap returns the last observed error.
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// ErrorClass distinguishes fetch errors worth retrying from terminal ones.
type ErrorClass int

const (
	// ErrorFatal is an error that will not resolve by retrying.
	ErrorFatal ErrorClass = iota
	// ErrorTransient is a connectivity or server-side error expected to clear up.
	ErrorTransient
)

// String returns the class name.
func (c ErrorClass) String() string {
	if c == ErrorTransient {
		return "transient"
	}
	return "fatal"
}

// Classify decides whether a fetch error is transient or fatal.
// Transient: timeouts, DNS failures, connection loss, 5xx responses and ErrDecodeRace.
// Everything else, including 4xx responses and unrelated decoding errors, is fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorFatal
	}
	if errors.Is(err, ErrDecodeRace) {
		return ErrorTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code >= 500 {
			return ErrorTransient
		}
		return ErrorFatal
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTransient
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return ErrorTransient
	}

	return ErrorFatal
}

// IsTransient reports whether err should be retried silently.
func IsTransient(err error) bool {
	return Classify(err) == ErrorTransient
}
