package jobtracker

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// BackgroundToken identifies one grant of extended execution time.
type BackgroundToken uint64

// InvalidBackgroundToken is returned when the host refuses to grant extra time.
const InvalidBackgroundToken BackgroundToken = 0

// BackgroundExecutor is the host capability that keeps the process running
// while it is backgrounded. onExpire is invoked if the host revokes the grant
// before End is called.
type BackgroundExecutor interface {
	Begin(name string, onExpire func()) BackgroundToken
	End(token BackgroundToken)
}

// NoopExecutor satisfies BackgroundExecutor on hosts without background
// execution limits. Tokens are unique but carry no resources.
type NoopExecutor struct {
	next atomic.Uint64
}

// Begin returns a fresh token.
func (e *NoopExecutor) Begin(string, func()) BackgroundToken {
	return BackgroundToken(e.next.Add(1))
}

// End does nothing.
func (e *NoopExecutor) End(BackgroundToken) {}

// backgroundGuard holds one token and releases it exactly once.
type backgroundGuard struct {
	jobID    string
	executor BackgroundExecutor

	mu       sync.Mutex
	token    BackgroundToken
	released bool
}

// Release ends the grant. Calling it more than once is a no-op.
func (g *backgroundGuard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	token := g.token
	g.mu.Unlock()

	if token != InvalidBackgroundToken {
		g.executor.End(token)
	}
}

// bind records the token returned by Begin. A guard released before Begin
// returned ends the token here, since Release had nothing to end yet.
func (g *backgroundGuard) bind(token BackgroundToken) {
	g.mu.Lock()
	if !g.released {
		g.token = token
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	if token != InvalidBackgroundToken {
		g.executor.End(token)
	}
}

// Released reports whether the grant has been ended.
func (g *backgroundGuard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// guardSet keeps at most one guard per job id.
type guardSet struct {
	mu       sync.Mutex
	executor BackgroundExecutor
	logger   *slog.Logger
	guards   map[string]*backgroundGuard
}

func newGuardSet(executor BackgroundExecutor, logger *slog.Logger) *guardSet {
	if executor == nil {
		executor = &NoopExecutor{}
	}
	return &guardSet{
		executor: executor,
		logger:   logger,
		guards:   make(map[string]*backgroundGuard),
	}
}

// Acquire releases any guard already held for jobID and requests a new grant.
func (s *guardSet) Acquire(jobID string) *backgroundGuard {
	s.mu.Lock()
	previous := s.guards[jobID]
	delete(s.guards, jobID)
	s.mu.Unlock()

	if previous != nil {
		previous.Release()
	}

	guard := &backgroundGuard{jobID: jobID, executor: s.executor}
	token := s.executor.Begin("poll:"+jobID, func() {
		s.logger.Warn("background time revoked by host", "jobID", jobID)
		s.Release(jobID, guard)
	})
	guard.bind(token)
	if token == InvalidBackgroundToken {
		s.logger.Debug("Acquire: host refused background time", "jobID", jobID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if guard.Released() {
		s.logger.Debug("Acquire: grant revoked before it was recorded", "jobID", jobID)
		return guard
	}
	s.guards[jobID] = guard
	return guard
}

// Release ends guard and forgets it if it is still the current guard for jobID.
func (s *guardSet) Release(jobID string, guard *backgroundGuard) {
	if guard == nil {
		return
	}
	// Mark released before touching the map so a concurrent Acquire never
	// records a guard whose revocation has already run.
	guard.Release()
	s.mu.Lock()
	if s.guards[jobID] == guard {
		delete(s.guards, jobID)
	}
	s.mu.Unlock()
}

// ReleaseJob ends whatever guard is held for jobID.
func (s *guardSet) ReleaseJob(jobID string) {
	s.mu.Lock()
	guard := s.guards[jobID]
	delete(s.guards, jobID)
	s.mu.Unlock()
	if guard != nil {
		guard.Release()
	}
}

// ReleaseAll ends every guard.
func (s *guardSet) ReleaseAll() {
	s.mu.Lock()
	guards := s.guards
	s.guards = make(map[string]*backgroundGuard)
	s.mu.Unlock()
	for _, guard := range guards {
		guard.Release()
	}
}

// Held returns the number of guards currently held.
func (s *guardSet) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.guards)
}
