package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framara/what-the-meta-backend/internal/testhelpers"
)

type testResult struct {
	value int
	err   error
}

func (r testResult) Error() error { return r.err }

type testJob struct {
	value  int
	fail   bool
	panics bool
	active *int32
	peak   *int32
}

func (j testJob) Execute(ctx context.Context) Result {
	if j.active != nil {
		n := atomic.AddInt32(j.active, 1)
		for {
			p := atomic.LoadInt32(j.peak)
			if n <= p || atomic.CompareAndSwapInt32(j.peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(j.active, -1)
	}
	if j.panics {
		panic("boom")
	}
	if j.fail {
		return testResult{err: errors.New("failed")}
	}
	return testResult{value: j.value * 2}
}

func TestRunAll_PreservesOrder(t *testing.T) {
	jobs := make([]Job, 20)
	for i := range jobs {
		jobs[i] = testJob{value: i}
	}

	results := RunAll(context.Background(), 4, jobs, testhelpers.NewTestLogger())

	require.Len(t, results, 20)
	for i, r := range results {
		assert.NoError(t, r.Error())
		assert.Equal(t, i*2, r.(testResult).value)
	}
}

func TestRunAll_IsolatesFailuresAndPanics(t *testing.T) {
	jobs := []Job{
		testJob{value: 1},
		testJob{fail: true},
		testJob{panics: true},
		testJob{value: 4},
	}

	results := RunAll(context.Background(), 2, jobs, testhelpers.NewTestLogger())

	assert.NoError(t, results[0].Error())
	assert.Error(t, results[1].Error())
	assert.IsType(t, PanicResult{}, results[2])
	assert.Contains(t, results[2].Error().Error(), "boom")
	assert.Equal(t, 8, results[3].(testResult).value)
}

func TestRunAll_BoundsConcurrency(t *testing.T) {
	var active, peak int32
	jobs := make([]Job, 50)
	for i := range jobs {
		jobs[i] = testJob{value: i, active: &active, peak: &peak}
	}

	RunAll(context.Background(), 3, jobs, testhelpers.NewTestLogger())

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestSpawnWorkerPool_DrainsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	queue := make(chan Job, 5)
	for i := 0; i < 5; i++ {
		queue <- testJob{value: i}
	}
	close(queue)

	var mu sync.Mutex
	count := 0
	wg := SpawnWorkerPool(ctx, 2, queue, func(Job, Result) {
		mu.Lock()
		count++
		mu.Unlock()
	}, testhelpers.NewTestLogger())
	wg.Wait()

	assert.Equal(t, 5, count)
}

func TestSpawnWorkerPool_ZeroWorkers(t *testing.T) {
	queue := make(chan Job, 1)
	queue <- testJob{value: 1}
	close(queue)

	var got Result
	wg := SpawnWorkerPool(context.Background(), 0, queue, func(_ Job, r Result) { got = r }, testhelpers.NewTestLogger())
	wg.Wait()

	require.NotNil(t, got)
	assert.Equal(t, 2, got.(testResult).value)
}
