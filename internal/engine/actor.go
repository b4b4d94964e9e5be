package engine

import (
	"sync"
	"time"

	"job-orchestrator/internal/models"
)

// jobState is owned by exactly one actor goroutine. Nothing outside an op
// reads or writes it.
type jobState struct {
	job models.Job

	// token is closed once when cancellation of a running attempt is
	// requested.
	token           chan struct{}
	cancelRequested bool

	retryTimer *time.Timer

	recordedProgress int
	recordedStep     string

	notified   bool
	finishedAt time.Time
}

func (s *jobState) requestCancel() {
	if s.cancelRequested {
		return
	}
	s.cancelRequested = true
	close(s.token)
}

// actor serializes every mutation of one job.
type actor struct {
	id   string
	ops  chan func(*jobState)
	quit chan struct{}
	once sync.Once
}

func newActor(job models.Job) *actor {
	a := &actor{
		id:   job.ID,
		ops:  make(chan func(*jobState)),
		quit: make(chan struct{}),
	}
	st := &jobState{job: job, token: make(chan struct{})}
	go a.run(st)
	return a
}

func (a *actor) run(st *jobState) {
	for {
		select {
		case op := <-a.ops:
			op(st)
		case <-a.quit:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it. It reports false when
// the actor has already been retired. fn must not call do on the same actor.
func (a *actor) do(fn func(*jobState)) bool {
	done := make(chan struct{})
	op := func(st *jobState) {
		defer close(done)
		fn(st)
	}
	select {
	case a.ops <- op:
	case <-a.quit:
		return false
	}
	<-done
	return true
}

func (a *actor) retire() {
	a.once.Do(func() { close(a.quit) })
}
