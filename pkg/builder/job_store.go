package builder

import (
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/ethpandaops/auctioneer/pkg/rpc/engine"
)

// buildJob tracks one payload build running on the execution client.
type buildJob struct {
	id       PayloadID
	engineID engine.PayloadID
	version  engine.Version
	slot     phase0.Slot

	mu   sync.Mutex
	best *BuiltPayload
}

// setBest records the latest payload fetched for the job.
func (j *buildJob) setBest(payload *BuiltPayload) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.best = payload
}

// cachedBest returns the latest payload fetched for the job, or nil.
func (j *buildJob) cachedBest() *BuiltPayload {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.best
}

// jobStore holds in-flight build jobs keyed by payload id.
type jobStore struct {
	jobs map[PayloadID]*buildJob
	mu   sync.RWMutex
}

// newJobStore creates an empty job store.
func newJobStore() *jobStore {
	return &jobStore{
		jobs: make(map[PayloadID]*buildJob, 64),
	}
}

// Store adds a job, replacing any job with the same id.
func (s *jobStore) Store(job *buildJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.id] = job
}

// Get returns the job for id, or nil.
func (s *jobStore) Get(id PayloadID) *buildJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.jobs[id]
}

// Take removes and returns the job for id, or nil.
func (s *jobStore) Take(id PayloadID) *buildJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.jobs[id]
	delete(s.jobs, id)

	return job
}

// Len returns the number of jobs.
func (s *jobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.jobs)
}

// Cleanup removes jobs for slots older than the given slot.
func (s *jobStore) Cleanup(olderThan phase0.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, job := range s.jobs {
		if job.slot < olderThan {
			delete(s.jobs, id)
		}
	}
}
