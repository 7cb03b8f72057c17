package jobtracker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/jobtracker"
)

var _ = Describe("Classify", func() {
	DescribeTable("transient errors",
		func(err error) {
			Expect(jobtracker.Classify(err)).To(Equal(jobtracker.ErrorTransient))
			Expect(jobtracker.IsTransient(err)).To(BeTrue())
		},
		Entry("server error", &jobtracker.StatusError{Code: 500}),
		Entry("bad gateway", fmt.Errorf("fetch: %w", &jobtracker.StatusError{Code: 502})),
		Entry("empty payload", jobtracker.ErrDecodeRace),
		Entry("dns failure", &net.DNSError{Err: "no such host", Name: "api.example.com"}),
		Entry("dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}),
		Entry("connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET)),
		Entry("broken pipe", syscall.EPIPE),
		Entry("truncated body", io.ErrUnexpectedEOF),
	)

	DescribeTable("fatal errors",
		func(err error) {
			Expect(jobtracker.Classify(err)).To(Equal(jobtracker.ErrorFatal))
		},
		Entry("nil", nil),
		Entry("bad request", &jobtracker.StatusError{Code: 400}),
		Entry("unauthorized", &jobtracker.StatusError{Code: 401}),
		Entry("not found", fmt.Errorf("GET /jobs/x: %w", jobtracker.ErrNotFound)),
		Entry("decode failure", errors.New("invalid character 'x' looking for beginning of value")),
		Entry("cancelled", context.Canceled),
	)

	It("should name classes", func() {
		Expect(jobtracker.ErrorTransient.String()).To(Equal("transient"))
		Expect(jobtracker.ErrorFatal.String()).To(Equal("fatal"))
	})

	It("should unwrap exhausted retries to the last error", func() {
		last := &jobtracker.StatusError{Code: 503, Body: "busy"}
		err := &jobtracker.RetriesExhaustedError{JobID: "job1", Attempts: 5, Last: last}

		var statusErr *jobtracker.StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("after 5 retries"))
	})

	It("should describe backend failures", func() {
		err := &jobtracker.JobFailedError{JobID: "job1", Report: &jobtracker.StatusReport{UserFriendlyError: "Try again"}}
		Expect(err.Error()).To(Equal("job job1 failed: Try again"))
	})
})

var _ = Describe("Ephemeral ids", func() {
	It("should recognise generated placeholders", func() {
		Expect(jobtracker.IsEphemeralID(jobtracker.NewEphemeralID())).To(BeTrue())
		Expect(jobtracker.NewEphemeralID()).NotTo(Equal(jobtracker.NewEphemeralID()))
	})

	DescribeTable("server ids",
		func(id string) {
			Expect(jobtracker.IsEphemeralID(id)).To(BeFalse())
		},
		Entry("short", "job-1"),
		Entry("no separators", "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6"),
		Entry("long but not a uuid", "generation-job-2024-01-01-000000000"),
		Entry("empty", ""),
	)
})

var _ = Describe("StatusReport", func() {
	DescribeTable("status vocabulary",
		func(status string, complete, failed bool) {
			report := &jobtracker.StatusReport{Status: status}
			Expect(report.IsComplete()).To(Equal(complete))
			Expect(report.IsFailed()).To(Equal(failed))
		},
		Entry("completed", "completed", true, false),
		Entry("upper case", "COMPLETED", true, false),
		Entry("succeeded", "succeeded", true, false),
		Entry("failed", "failed", false, true),
		Entry("error", "error", false, true),
		Entry("processing", "processing", false, false),
		Entry("queued", "queued", false, false),
	)

	It("should convert percentages and clamp them", func() {
		Expect((&jobtracker.StatusReport{Progress: 25}).Fraction()).To(Equal(0.25))
		Expect((&jobtracker.StatusReport{Progress: 250}).Fraction()).To(Equal(1.0))
		Expect((&jobtracker.StatusReport{Progress: -3}).Fraction()).To(Equal(0.0))
	})
})
