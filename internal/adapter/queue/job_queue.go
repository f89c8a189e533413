// Package queue holds the job-matching collaborator used by the pilot pipeline.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/gridauth/internal/domain"
)

// Matcher hands a waiting job to a pilot, or domain.ErrNoMatch.
type Matcher interface {
	Match(ctx context.Context, vo string, req domain.MatchRequest) (domain.JobDetails, error)
}

const anySite = "*"

func listKey(vo, site string) string {
	if site == "" {
		site = anySite
	}
	return "gridauth:jobs:" + vo + ":" + site
}

// RedisJobQueue keeps waiting jobs in Redis lists, one per VO and site.
// Jobs without a site go to a shared list consulted after the site list.
type RedisJobQueue struct {
	client redis.UniversalClient
}

var _ Matcher = (*RedisJobQueue)(nil)

func NewRedisJobQueue(client redis.UniversalClient) *RedisJobQueue {
	return &RedisJobQueue{client: client}
}

// Enqueue appends job to its waiting list.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job domain.JobDetails) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, listKey(job.VO, job.Site), payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisJobQueue) Match(ctx context.Context, vo string, req domain.MatchRequest) (domain.JobDetails, error) {
	keys := []string{listKey(vo, anySite)}
	if req.Site != "" {
		keys = []string{listKey(vo, req.Site), listKey(vo, anySite)}
	}
	for _, key := range keys {
		payload, err := q.client.LPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return domain.JobDetails{}, fmt.Errorf("pop job: %w", err)
		}
		var job domain.JobDetails
		if err := json.Unmarshal(payload, &job); err != nil {
			return domain.JobDetails{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
	return domain.JobDetails{}, domain.ErrNoMatch
}

// MemoryJobQueue is the single-process equivalent of RedisJobQueue.
type MemoryJobQueue struct {
	mu    sync.Mutex
	lists map[string][]domain.JobDetails
}

var _ Matcher = (*MemoryJobQueue)(nil)

func NewMemoryJobQueue() *MemoryJobQueue {
	return &MemoryJobQueue{lists: map[string][]domain.JobDetails{}}
}

func (q *MemoryJobQueue) Enqueue(_ context.Context, job domain.JobDetails) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := listKey(job.VO, job.Site)
	q.lists[key] = append(q.lists[key], job)
	return nil
}

func (q *MemoryJobQueue) Match(_ context.Context, vo string, req domain.MatchRequest) (domain.JobDetails, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := []string{listKey(vo, anySite)}
	if req.Site != "" {
		keys = []string{listKey(vo, req.Site), listKey(vo, anySite)}
	}
	for _, key := range keys {
		if jobs := q.lists[key]; len(jobs) > 0 {
			q.lists[key] = jobs[1:]
			return jobs[0], nil
		}
	}
	return domain.JobDetails{}, domain.ErrNoMatch
}
