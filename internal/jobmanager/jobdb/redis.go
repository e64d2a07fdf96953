package jobdb

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	jobKeyPrefix  = "liveq:job:"
	activeJobsKey = "liveq:jobs:active"
)

// RedisJobRepository stores each job as a JSON document and keeps the ids of non-terminal jobs in a set. Writes run
// in optimistic WATCH/MULTI transactions so that the state check and the write are atomic.
type RedisJobRepository struct {
	db redis.UniversalClient
}

func NewRedisJobRepository(db redis.UniversalClient) *RedisJobRepository {
	return &RedisJobRepository{db: db}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func getJob(c redis.Cmdable, id string) (*Job, error) {
	data, err := c.Get(jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.Wrapf(err, "decoding job %s", id)
	}
	return job, nil
}

func writeJob(pipe redis.Pipeliner, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}
	pipe.Set(jobKey(job.Id), data, 0)
	if job.State.Terminal() {
		pipe.SRem(activeJobsKey, job.Id)
	} else {
		pipe.SAdd(activeJobsKey, job.Id)
	}
	return nil
}

func (r *RedisJobRepository) Create(_ context.Context, job *Job) error {
	err := r.db.Watch(func(tx *redis.Tx) error {
		existing, err := getJob(tx, job.Id)
		if err != nil {
			return err
		}
		if existing != nil {
			return alreadyExists(job.Id)
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			return writeJob(pipe, job)
		})
		return err
	}, jobKey(job.Id))
	return errors.WithStack(err)
}

func (r *RedisJobRepository) Update(_ context.Context, job *Job) error {
	err := r.db.Watch(func(tx *redis.Tx) error {
		existing, err := getJob(tx, job.Id)
		if err != nil {
			return err
		}
		if err := checkTransition(existing, job); err != nil {
			return err
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			return writeJob(pipe, job)
		})
		return err
	}, jobKey(job.Id))
	return errors.WithStack(err)
}

func (r *RedisJobRepository) Get(_ context.Context, id string) (*Job, error) {
	job, err := getJob(r.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, notFound(id)
	}
	return job, nil
}

func (r *RedisJobRepository) ListNonTerminal(_ context.Context) ([]*Job, error) {
	ids, err := r.db.SMembers(activeJobsKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := r.db.MGet(keys...).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make([]*Job, 0, len(values))
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			// Removed between SMEMBERS and MGET.
			continue
		}
		job := &Job{}
		if err := json.Unmarshal([]byte(data), job); err != nil {
			return nil, errors.Wrapf(err, "decoding job %s", ids[i])
		}
		if !job.State.Terminal() {
			jobs = append(jobs, job)
		}
	}
	sortByCreation(jobs)
	return jobs, nil
}

func (r *RedisJobRepository) SetResults(_ context.Context, id string, path string, warning string) error {
	err := r.db.Watch(func(tx *redis.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return notFound(id)
		}
		job.ResultsPath = path
		job.Warning = warning
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			return writeJob(pipe, job)
		})
		return err
	}, jobKey(id))
	return errors.WithStack(err)
}

func (r *RedisJobRepository) Check() error {
	return errors.WithStack(r.db.Ping().Err())
}

func (r *RedisJobRepository) Close() error {
	return errors.WithStack(r.db.Close())
}
