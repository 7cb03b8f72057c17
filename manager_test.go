package jobtracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/jobtracker"
)

// stateOf returns the job's lifecycle state, or "" if the ledger has no such job.
func stateOf(m *jobtracker.Manager, id string) jobtracker.JobState {
	job, err := m.Job(id)
	if err != nil {
		return ""
	}
	return job.State
}

func ids(jobs []*jobtracker.GenerationJob) []string {
	out := make([]string, len(jobs))
	for i, job := range jobs {
		out[i] = job.ID
	}
	return out
}

func seed(store jobtracker.BlobStore, key string, jobs ...*jobtracker.GenerationJob) {
	data, err := json.Marshal(jobs)
	Expect(err).NotTo(HaveOccurred())
	Expect(store.Set(context.Background(), key, data)).To(Succeed())
}

var _ = Describe("Manager", func() {
	var (
		ctx       context.Context
		store     *jobtracker.InMemoryBlobStore
		status    *fakeStatus
		artifacts *fakeArtifacts
		creator   *fakeCreator
		notifier  *fakeNotifier
		cache     *fakeCache
		executor  *fakeExecutor
		cfg       *jobtracker.Config
		manager   *jobtracker.Manager
	)

	newManager := func() *jobtracker.Manager {
		m, err := jobtracker.NewManager(ctx, jobtracker.ManagerOptions{
			Store:      store,
			Status:     status,
			Artifacts:  artifacts,
			Creator:    creator,
			Notifier:   notifier,
			Cache:      cache,
			Background: executor,
			Config:     cfg,
			Logger:     testLogger(),
		})
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = jobtracker.NewInMemoryBlobStore()
		status = newFakeStatus()
		artifacts = &fakeArtifacts{}
		creator = &fakeCreator{}
		notifier = &fakeNotifier{}
		cache = &fakeCache{}
		executor = newFakeExecutor()
		cfg = fastConfig()
	})

	JustBeforeEach(func() {
		manager = newManager()
	})

	AfterEach(func() {
		Expect(manager.Close()).To(Succeed())
	})

	Describe("NewManager", func() {
		It("should require a store and a status fetcher", func() {
			_, err := jobtracker.NewManager(ctx, jobtracker.ManagerOptions{Status: status})
			Expect(err).To(HaveOccurred())
			_, err = jobtracker.NewManager(ctx, jobtracker.ManagerOptions{Store: store})
			Expect(err).To(HaveOccurred())
		})

		It("should reject an invalid config", func() {
			bad := fastConfig()
			bad.CompletedKey = bad.ActiveKey
			_, err := jobtracker.NewManager(ctx, jobtracker.ManagerOptions{Store: store, Status: status, Config: bad})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Start", func() {
		It("should register an active job and persist it", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", Title: "Dragons"})).To(Succeed())

			job, err := manager.Job("job1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.IsActive()).To(BeTrue())
			Expect(job.Status).To(Equal(jobtracker.StatusQueued))
			Expect(job.OwnerID).To(Equal(jobtracker.GuestOwnerID))
			Expect(job.Progress).To(BeZero())

			data, err := store.Get(ctx, cfg.ActiveKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"id":"job1"`))
		})

		It("should reject an empty id", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{})).NotTo(Succeed())
		})

		It("should keep the most recent job first", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1"})).To(Succeed())
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job2"})).To(Succeed())
			Expect(ids(manager.Active())).To(Equal([]string{"job2", "job1"}))
		})

		It("should keep exactly one polling loop when the same id starts twice", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())

			Expect(manager.PollingCount()).To(Equal(1))
			Expect(manager.Active()).To(HaveLen(1))
			Eventually(executor.Held).Should(Equal(1))
			Expect(executor.Ended()).To(BeNumerically(">=", 1))
		})

		It("should hold background time for the lifetime of the loop", func() {
			status.script("job1", running(10), running(20), completed("res1"))
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())
			Expect(executor.Held()).To(Equal(1))

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateCompleted))
			Eventually(executor.Held).Should(BeZero())
			Expect(manager.IsPolling("job1")).To(BeFalse())
		})

		It("should keep polling when the host refuses background time", func() {
			executor.refused = true
			status.script("job1", completed("res1"))
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateCompleted))
		})
	})

	Describe("Update", func() {
		JustBeforeEach(func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1"})).To(Succeed())
		})

		It("should record progress and estimate completion", func() {
			time.Sleep(5 * time.Millisecond)
			Expect(manager.Update(ctx, "job1", jobtracker.JobUpdate{Progress: 0.5, Status: "drawing"})).To(Succeed())

			job, _ := manager.Job("job1")
			Expect(job.Progress).To(Equal(0.5))
			Expect(job.Status).To(Equal("drawing"))
			Expect(job.EstimatedCompletionTime).NotTo(BeNil())
			Expect(job.EstimatedCompletionTime.After(job.CreatedAt)).To(BeTrue())
		})

		It("should accept progress regressions as reported", func() {
			Expect(manager.Update(ctx, "job1", jobtracker.JobUpdate{Progress: 0.6})).To(Succeed())
			Expect(manager.Update(ctx, "job1", jobtracker.JobUpdate{Progress: 0.3})).To(Succeed())

			job, _ := manager.Job("job1")
			Expect(job.Progress).To(Equal(0.3))
		})

		It("should keep progress on a status-only update", func() {
			Expect(manager.Update(ctx, "job1", jobtracker.JobUpdate{Progress: 0.4})).To(Succeed())
			Expect(manager.Update(ctx, "job1", jobtracker.NewStatusUpdate("drawing"))).To(Succeed())

			job, _ := manager.Job("job1")
			Expect(job.Progress).To(Equal(0.4))
			Expect(job.Status).To(Equal("drawing"))
		})

		It("should clamp progress to the unit interval", func() {
			Expect(manager.Update(ctx, "job1", jobtracker.JobUpdate{Progress: 7})).To(Succeed())
			job, _ := manager.Job("job1")
			Expect(job.Progress).To(Equal(1.0))
		})

		It("should ignore unknown ids", func() {
			Expect(manager.Update(ctx, "nope", jobtracker.JobUpdate{Progress: 0.5})).To(Succeed())
		})

		It("should persist every mutation", func() {
			before := store.Writes()
			Expect(manager.Update(ctx, "job1", jobtracker.JobUpdate{Progress: 0.1})).To(Succeed())
			Expect(store.Writes()).To(BeNumerically(">", before))
		})
	})

	Describe("Complete", func() {
		JustBeforeEach(func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", Title: "Moon", ShouldNotify: true})).To(Succeed())
		})

		It("should archive the job and cache the artifact", func() {
			Expect(manager.Complete(ctx, "job1", &jobtracker.Artifact{ID: "res1"})).To(Succeed())

			Expect(manager.Active()).To(BeEmpty())
			completed := manager.Completed()
			Expect(completed).To(HaveLen(1))
			Expect(completed[0].ResultID).To(Equal("res1"))
			Expect(completed[0].Progress).To(Equal(1.0))
			Expect(completed[0].IsCompleted()).To(BeTrue())
			Expect(completed[0].IsFailed()).To(BeFalse())
			Expect(completed[0].IsActive()).To(BeFalse())
			Expect(completed[0].IsCancelled()).To(BeFalse())
			Expect(cache.Has("res1")).To(BeTrue())
		})

		It("should notify exactly once", func() {
			Expect(manager.Complete(ctx, "job1", &jobtracker.Artifact{ID: "res1"})).To(Succeed())
			Expect(manager.Complete(ctx, "job1", &jobtracker.Artifact{ID: "res1"})).To(Succeed())

			Expect(notifier.Scheduled()).To(Equal([]scheduledNotification{{id: "job1", title: "Moon", artifactID: "res1"}}))
			job, _ := manager.Job("job1")
			Expect(job.NotificationSent).To(BeTrue())
		})

		It("should reject an artifact without an id", func() {
			Expect(manager.Complete(ctx, "job1", &jobtracker.Artifact{})).NotTo(Succeed())
			Expect(stateOf(manager, "job1")).To(Equal(jobtracker.JobStateActive))
		})

		It("should report unknown ids", func() {
			err := manager.Complete(ctx, "nope", &jobtracker.Artifact{ID: "res1"})
			Expect(errors.Is(err, jobtracker.ErrJobNotFound)).To(BeTrue())
		})

		It("should never show the job in both collections or in neither", func() {
			sub := manager.Subscribe()
			defer manager.Unsubscribe(sub)

			done := make(chan struct{})
			var violations []string
			go func() {
				defer close(done)
				for snap := range sub.C() {
					inActive := len(snap.Active) == 1 && snap.Active[0].ID == "job1"
					inCompleted := len(snap.Completed) == 1 && snap.Completed[0].ID == "job1"
					if inActive == inCompleted {
						violations = append(violations, "inconsistent snapshot")
					}
					if inCompleted {
						return
					}
				}
			}()

			Expect(manager.Complete(ctx, "job1", &jobtracker.Artifact{ID: "res1"})).To(Succeed())
			Eventually(done).Should(BeClosed())
			Expect(violations).To(BeEmpty())
		})
	})

	Describe("Fail", func() {
		JustBeforeEach(func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1"})).To(Succeed())
		})

		It("should keep an earlier user-friendly message", func() {
			Expect(manager.Update(ctx, "job1", jobtracker.JobUpdate{Progress: jobtracker.KeepProgress, UserFriendlyError: "Try a shorter prompt"})).To(Succeed())
			Expect(manager.Fail(ctx, "job1", "boom", "")).To(Succeed())

			job, _ := manager.Job("job1")
			Expect(job.IsFailed()).To(BeTrue())
			Expect(job.Error).To(Equal("boom"))
			Expect(job.UserFriendlyError).To(Equal("Try a shorter prompt"))
			Expect(job.DisplayError()).To(Equal("Try a shorter prompt"))
		})

		It("should fall back to a generic error", func() {
			Expect(manager.Fail(ctx, "job1", "", "")).To(Succeed())
			job, _ := manager.Job("job1")
			Expect(job.Error).NotTo(BeEmpty())
		})

		It("should be a no-op for a job that already terminated", func() {
			Expect(manager.Complete(ctx, "job1", &jobtracker.Artifact{ID: "res1"})).To(Succeed())
			Expect(manager.Fail(ctx, "job1", "late", "")).To(Succeed())
			Expect(stateOf(manager, "job1")).To(Equal(jobtracker.JobStateCompleted))
		})
	})

	Describe("Cancel", func() {
		It("should stop polling and forget the job", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())
			Expect(manager.Cancel(ctx, "job1")).To(Succeed())

			Expect(manager.IsPolling("job1")).To(BeFalse())
			Expect(stateOf(manager, "job1")).To(BeEmpty())
			Expect(manager.Completed()).To(BeEmpty())
			Expect(notifier.Cancelled()).To(ContainElement("job1"))
			Eventually(executor.Held).Should(BeZero())
		})

		It("should release resources of unknown ids", func() {
			Expect(manager.Cancel(ctx, "ghost")).To(Succeed())
			Expect(notifier.Cancelled()).To(ContainElement("ghost"))
		})
	})

	Describe("polling outcomes", func() {
		start := func(id string) {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: id, Title: "Story", StartPolling: true})).To(Succeed())
		}

		It("should complete after a short burst of transient errors", func() {
			steps := repeat(transient(), 5)
			steps = append(steps, completed("res1"))
			status.script("job1", steps...)
			start("job1")

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateCompleted))
		})

		It("should fail once the final check also errors", func() {
			status.script("job1", transient())
			start("job1")

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateFailed))
			job, _ := manager.Job("job1")
			Expect(job.Error).NotTo(BeEmpty())
		})

		It("should tolerate a completion reported before its result id", func() {
			status.script("job1", running(80), completed(""), completed("res1"))
			start("job1")

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateCompleted))
			job, _ := manager.Job("job1")
			Expect(job.ResultID).To(Equal("res1"))
		})

		It("should record the backend's failure details", func() {
			status.script("job1", failed("nsfw", "That prompt is not allowed. Coins refunded."))
			start("job1")

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateFailed))
			job, _ := manager.Job("job1")
			Expect(job.Error).To(Equal("nsfw"))
			Expect(job.UserFriendlyError).To(Equal("That prompt is not allowed. Coins refunded."))
			Expect(job.CoinsRefunded).To(BeTrue())
			Expect(job.ErrorCategory).To(Equal("content_policy"))
		})

		It("should drop a placeholder the backend never heard of", func() {
			id := jobtracker.NewEphemeralID()
			status.script(id, notFound())
			start(id)

			Eventually(func() bool { return manager.IsPolling(id) }).Should(BeFalse())
			Expect(stateOf(manager, id)).To(BeEmpty())
			Expect(manager.Completed()).To(BeEmpty())
		})

		Context("with a short polling ceiling", func() {
			BeforeEach(func() {
				cfg.PollingCeiling = 30 * time.Millisecond
			})

			It("should leave the job active at the ceiling and resume later", func() {
				status.script("job1", running(40))
				start("job1")

				Eventually(func() bool { return manager.IsPolling("job1") }).Should(BeFalse())
				job, _ := manager.Job("job1")
				Expect(job.IsActive()).To(BeTrue())
				Expect(job.Status).To(Equal(jobtracker.StatusContinuingBackground))
				Expect(job.Progress).To(BeNumerically("~", 0.4, 1e-9))

				status.script("job1", completed("res1"))
				Expect(manager.Resume(ctx, "job1")).To(Succeed())
				Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateCompleted))
			})
		})

		It("should notify on completion when requested", func() {
			status.script("job1", completed("res1"))
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", Title: "Story", ShouldNotify: true, StartPolling: true})).To(Succeed())

			Eventually(notifier.Scheduled).Should(HaveLen(1))
			Eventually(func() bool {
				job, err := manager.Job("job1")
				return err == nil && job.NotificationSent
			}).Should(BeTrue())
		})

		It("should keep polling when the host revokes background time", func() {
			status.script("job1", running(10))
			start("job1")
			Eventually(executor.Held).Should(Equal(1))

			executor.Revoke()
			Expect(executor.Held()).To(BeZero())
			Expect(manager.IsPolling("job1")).To(BeTrue())
		})
	})

	Describe("Retry", func() {
		request := &jobtracker.CreationRequest{Kind: "story", Title: "Dragons", Payload: json.RawMessage(`{"prompt":"dragons"}`)}

		JustBeforeEach(func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", Title: "Dragons", OriginalRequest: request})).To(Succeed())
			Expect(manager.Fail(ctx, "job1", "boom", "")).To(Succeed())
		})

		It("should resubmit and track the new job", func() {
			creator.result = &jobtracker.CreationResult{JobID: "job2"}
			status.script("job2", running(50), completed("res2"))

			newID, err := manager.Retry(ctx, "job1")
			Expect(err).NotTo(HaveOccurred())
			Expect(newID).To(Equal("job2"))
			Expect(stateOf(manager, "job1")).To(BeEmpty())

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job2") }).Should(Equal(jobtracker.JobStateCompleted))
			job, _ := manager.Job("job2")
			Expect(job.Title).To(Equal("Dragons"))
			Expect(job.OriginalRequest).To(Equal(request))

			creator.mu.Lock()
			Expect(string(creator.requests[0].Payload)).To(MatchJSON(`{"prompt":"dragons"}`))
			creator.mu.Unlock()
		})

		It("should complete immediately when the backend answers synchronously", func() {
			creator.result = &jobtracker.CreationResult{Artifact: &jobtracker.Artifact{ID: "res9"}}

			newID, err := manager.Retry(ctx, "job1")
			Expect(err).NotTo(HaveOccurred())
			Expect(jobtracker.IsEphemeralID(newID)).To(BeTrue())
			Expect(stateOf(manager, newID)).To(Equal(jobtracker.JobStateCompleted))
			Expect(manager.IsPolling(newID)).To(BeFalse())
			Expect(cache.Has("res9")).To(BeTrue())
			Expect(manager.Completed()).To(HaveLen(1))
		})

		It("should leave the old job untouched when resubmission fails", func() {
			creator.err = &jobtracker.StatusError{Code: 402, Body: "insufficient coins"}

			_, err := manager.Retry(ctx, "job1")
			Expect(err).To(HaveOccurred())
			Expect(stateOf(manager, "job1")).To(Equal(jobtracker.JobStateFailed))
			Expect(manager.Active()).To(BeEmpty())
		})

		It("should not retry a job without its original request", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job3"})).To(Succeed())
			Expect(manager.Fail(ctx, "job3", "boom", "")).To(Succeed())
			before, _ := manager.Job("job3")

			_, err := manager.Retry(ctx, "job3")
			Expect(errors.Is(err, jobtracker.ErrNotRetryable)).To(BeTrue())
			Expect(creator.Requests()).To(BeZero())
			after, _ := manager.Job("job3")
			Expect(after).To(Equal(before))
			Expect(manager.Active()).To(BeEmpty())
		})

		It("should resubmit only once when retried concurrently", func() {
			creator.result = &jobtracker.CreationResult{JobID: "job2"}
			creator.gate = make(chan struct{})
			status.script("job2", running(50))

			first := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := manager.Retry(ctx, "job1")
				first <- err
			}()
			Eventually(creator.Requests).Should(Equal(1))

			_, err := manager.Retry(ctx, "job1")
			Expect(errors.Is(err, jobtracker.ErrRetryInProgress)).To(BeTrue())

			close(creator.gate)
			Eventually(first).Should(Receive(BeNil()))
			Expect(creator.Requests()).To(Equal(1))
			Expect(manager.Active()).To(HaveLen(1))

			_, err = manager.Retry(ctx, "job1")
			Expect(errors.Is(err, jobtracker.ErrJobNotFound)).To(BeTrue())
		})

		It("should report unknown ids", func() {
			_, err := manager.Retry(ctx, "nope")
			Expect(errors.Is(err, jobtracker.ErrJobNotFound)).To(BeTrue())
		})
	})

	Describe("restart", func() {
		Context("with stale and expired records on disk", func() {
			BeforeEach(func() {
				now := time.Now()
				seed(store, cfg.ActiveKey,
					&jobtracker.GenerationJob{ID: "old", State: jobtracker.JobStateActive, CreatedAt: now.Add(-25 * time.Hour), LastUpdateTime: now.Add(-25 * time.Hour)},
					&jobtracker.GenerationJob{ID: "fresh", State: jobtracker.JobStateActive, CreatedAt: now.Add(-time.Minute), LastUpdateTime: now},
					&jobtracker.GenerationJob{ID: jobtracker.NewEphemeralID(), State: jobtracker.JobStateActive, CreatedAt: now, LastUpdateTime: now},
					&jobtracker.GenerationJob{ID: "dup", State: jobtracker.JobStateActive, CreatedAt: now, LastUpdateTime: now},
				)
				seed(store, cfg.CompletedKey,
					&jobtracker.GenerationJob{ID: "expired", State: jobtracker.JobStateCompleted, ResultID: "r", LastUpdateTime: now.Add(-8 * 24 * time.Hour)},
					&jobtracker.GenerationJob{ID: "recent", State: jobtracker.JobStateCompleted, ResultID: "r", LastUpdateTime: now.Add(-time.Hour)},
					&jobtracker.GenerationJob{ID: "dup", State: jobtracker.JobStateFailed, Error: "x", LastUpdateTime: now},
				)
			})

			It("should prune on load", func() {
				Expect(ids(manager.Active())).To(Equal([]string{"old", "fresh"}))
				Expect(ids(manager.Completed())).To(Equal([]string{"recent", "dup"}))
			})

			It("should fail stale jobs and resume the rest", func() {
				Expect(manager.ResumeAll(ctx)).To(Succeed())

				job, err := manager.Job("old")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.IsFailed()).To(BeTrue())
				Expect(job.Error).To(Equal(jobtracker.StaleJobError))
				Expect(manager.IsPolling("old")).To(BeFalse())
				Expect(manager.IsPolling("fresh")).To(BeTrue())
			})
		})

		It("should resume a job that was polling when the process stopped", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())
			Expect(manager.Close()).To(Succeed())

			status.script("job1", completed("res1"))
			manager = newManager()
			Expect(stateOf(manager, "job1")).To(Equal(jobtracker.JobStateActive))
			Expect(manager.ResumeAll(ctx)).To(Succeed())

			Eventually(func() jobtracker.JobState { return stateOf(manager, "job1") }).Should(Equal(jobtracker.JobStateCompleted))
		})
	})

	Describe("Prune", func() {
		BeforeEach(func() {
			cfg.CompletedTTL = 20 * time.Millisecond
		})

		It("should remove expired history", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1"})).To(Succeed())
			Expect(manager.Complete(ctx, "job1", &jobtracker.Artifact{ID: "res1"})).To(Succeed())

			time.Sleep(30 * time.Millisecond)
			report, err := manager.Prune(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.ExpiredCompleted).To(Equal([]string{"job1"}))
			Expect(manager.Completed()).To(BeEmpty())
		})
	})

	Describe("ClearAll", func() {
		It("should stop everything and empty the ledger durably", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job2"})).To(Succeed())
			Expect(manager.Complete(ctx, "job2", &jobtracker.Artifact{ID: "res2"})).To(Succeed())

			Expect(manager.ClearAll(ctx)).To(Succeed())
			Expect(manager.PollingCount()).To(BeZero())
			Expect(manager.Active()).To(BeEmpty())
			Expect(manager.Completed()).To(BeEmpty())
			Eventually(executor.Held).Should(BeZero())

			Expect(manager.Close()).To(Succeed())
			manager = newManager()
			Expect(manager.Active()).To(BeEmpty())
			Expect(manager.Completed()).To(BeEmpty())
		})
	})

	Describe("RemoveCompleted", func() {
		It("should delete history entries", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1"})).To(Succeed())
			Expect(manager.Fail(ctx, "job1", "boom", "")).To(Succeed())

			Expect(manager.RemoveCompleted(ctx, "job1")).To(Succeed())
			Expect(manager.Completed()).To(BeEmpty())
		})
	})

	Describe("Subscribe", func() {
		It("should deliver the current snapshot first", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1"})).To(Succeed())

			sub := manager.Subscribe()
			defer manager.Unsubscribe(sub)
			var snap jobtracker.Snapshot
			Eventually(sub.C()).Should(Receive(&snap))
			Expect(ids(snap.Active)).To(Equal([]string{"job1"}))
		})

		It("should keep only the latest snapshot for a slow reader", func() {
			sub := manager.Subscribe()
			defer manager.Unsubscribe(sub)

			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1"})).To(Succeed())
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job2"})).To(Succeed())

			var snap jobtracker.Snapshot
			Expect(sub.C()).To(Receive(&snap))
			Expect(ids(snap.Active)).To(Equal([]string{"job2", "job1"}))
			Expect(sub.C()).NotTo(Receive())
		})

		It("should hand out copies", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", Title: "Original"})).To(Succeed())
			active := manager.Active()
			active[0].Title = "Changed"

			job, _ := manager.Job("job1")
			Expect(job.Title).To(Equal("Original"))
		})
	})

	Describe("Close", func() {
		It("should stop loops but keep jobs active", func() {
			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job1", StartPolling: true})).To(Succeed())
			sub := manager.Subscribe()

			Expect(manager.Close()).To(Succeed())
			Expect(manager.PollingCount()).To(BeZero())
			Expect(executor.Held()).To(BeZero())
			Expect(stateOf(manager, "job1")).To(Equal(jobtracker.JobStateActive))
			Eventually(sub.C()).Should(BeClosed())

			Expect(manager.Start(ctx, jobtracker.StartRequest{ID: "job2"})).To(MatchError(jobtracker.ErrClosed))
			Expect(manager.Close()).To(Succeed())
		})
	})
})
