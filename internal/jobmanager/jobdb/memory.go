package jobdb

import (
	"context"
	"sort"
	"sync"
)

// InMemoryJobRepository keeps jobs in a map. Nothing survives a restart.
type InMemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewInMemoryJobRepository() *InMemoryJobRepository {
	return &InMemoryJobRepository{jobs: map[string]*Job{}}
}

func (r *InMemoryJobRepository) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Id]; ok {
		return alreadyExists(job.Id)
	}
	r.jobs[job.Id] = job.DeepCopy()
	return nil
}

func (r *InMemoryJobRepository) Update(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkTransition(r.jobs[job.Id], job); err != nil {
		return err
	}
	r.jobs[job.Id] = job.DeepCopy()
	return nil
}

func (r *InMemoryJobRepository) Get(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return job.DeepCopy(), nil
}

func (r *InMemoryJobRepository) ListNonTerminal(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var jobs []*Job
	for _, job := range r.jobs {
		if !job.State.Terminal() {
			jobs = append(jobs, job.DeepCopy())
		}
	}
	sortByCreation(jobs)
	return jobs, nil
}

func (r *InMemoryJobRepository) SetResults(_ context.Context, id string, path string, warning string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return notFound(id)
	}
	job = job.DeepCopy()
	job.ResultsPath = path
	job.Warning = warning
	r.jobs[id] = job
	return nil
}

func (r *InMemoryJobRepository) Check() error {
	return nil
}

func (r *InMemoryJobRepository) Close() error {
	return nil
}

func sortByCreation(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].Created.Equal(jobs[j].Created) {
			return jobs[i].Created.Before(jobs[j].Created)
		}
		return jobs[i].Id < jobs[j].Id
	})
}
