package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoiced/internal/eventbus"
	logx "invoiced/pkg/logx"
)

func newTestService(t *testing.T, clock clockwork.Clock, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus, WithClock(clock))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, bus
}

// settle waits until the loop has parked on its next timer and every run it
// dispatched has finished.
func settle(t *testing.T, s *Service, fc interface{ BlockUntil(int) }) {
	t.Helper()
	fc.BlockUntil(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), "runs did not drain")
}

func counting(n *atomic.Int32) Job {
	return JobFunc(func(ctx context.Context, args Args) (any, error) {
		n.Add(1)
		return nil, nil
	})
}

func TestAddTaskReturnsUniqueIDs(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	var n atomic.Int32
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := s.AddTask(counting(&n), time.Duration(i+1)*time.Second, "job", Args{})
		require.NoError(t, err)
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, s.Jobs(), 50)
}

func TestAddTaskRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		every time.Duration
	}{
		{name: "zero", every: 0},
		{name: "negative", every: -time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
			var n atomic.Int32
			_, err := s.AddTask(counting(&n), time.Minute, "keep", Args{})
			require.NoError(t, err)

			id, err := s.AddTask(counting(&n), tt.every, "bad", Args{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
			assert.Empty(t, id)
			assert.Len(t, s.Jobs(), 1)
		})
	}
}

func TestAddTaskRejectsNilJob(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	_, err := s.AddTask(nil, time.Minute, "nil", Args{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewJobIsDueImmediately(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{})
	var n atomic.Int32
	a, err := s.AddTask(counting(&n), time.Minute, "a", Args{})
	require.NoError(t, err)
	b, err := s.AddTask(counting(&n), time.Hour, "b", Args{})
	require.NoError(t, err)

	assert.Equal(t, []string{a, b}, s.DueJobs(fc.Now()))
	assert.Equal(t, int32(0), n.Load(), "registration must not execute")

	def, ok := s.Get(a)
	require.True(t, ok)
	assert.True(t, def.LastRun.IsZero())
	assert.Equal(t, fc.Now(), def.NextRun)
}

func TestRemoveTask(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{})
	var n atomic.Int32
	id, err := s.AddTask(counting(&n), time.Minute, "a", Args{})
	require.NoError(t, err)

	assert.False(t, s.RemoveTask("does-not-exist"))
	assert.Len(t, s.Jobs(), 1)

	assert.True(t, s.RemoveTask(id))
	assert.False(t, s.RemoveTask(id))
	assert.Empty(t, s.Jobs())
	assert.Empty(t, s.DueJobs(fc.Now()))
}

func TestArgsAreSnapshotted(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	pos := []any{"inbox"}
	named := map[string]any{"limit": 10}

	var got Args
	id, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		got = args
		args.Named["limit"] = 0 // must not leak back into the registry
		return len(args.Positional), nil
	}), time.Minute, "args", Args{Positional: pos, Named: named})
	require.NoError(t, err)

	pos[0] = "mutated"
	named["limit"] = 99

	out, ok := s.RunNow(context.Background(), id)
	require.True(t, ok)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Result)
	assert.Equal(t, []any{"inbox"}, got.Positional)

	def, _ := s.Get(id)
	assert.Equal(t, 10, def.Args.Named["limit"])
}

func TestLoopRunsJobsOnTheirIntervals(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	var a, b atomic.Int32
	_, err := s.AddTask(counting(&a), 60*time.Second, "a", Args{})
	require.NoError(t, err)
	_, err = s.AddTask(counting(&b), 120*time.Second, "b", Args{})
	require.NoError(t, err)

	s.Start(context.Background())
	settle(t, s, fc)
	// Both are due at registration time.
	baseA, baseB := a.Load(), b.Load()
	require.Equal(t, int32(1), baseA)
	require.Equal(t, int32(1), baseB)

	advance := func(total time.Duration) {
		for step := time.Duration(0); step < total; step += 5 * time.Second {
			fc.Advance(5 * time.Second)
			settle(t, s, fc)
		}
	}

	advance(65 * time.Second)
	assert.Equal(t, int32(1), a.Load()-baseA, "A after 65s")
	assert.Equal(t, int32(0), b.Load()-baseB, "B after 65s")

	advance(60 * time.Second)
	assert.Equal(t, int32(2), a.Load()-baseA, "A after 125s")
	assert.Equal(t, int32(1), b.Load()-baseB, "B after 125s")
}

func TestFailingJobIsRescheduledNotRetried(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	var calls atomic.Int32
	boom := errors.New("inbox unreachable")
	id, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		calls.Add(1)
		return nil, boom
	}), 20*time.Second, "failing", Args{})
	require.NoError(t, err)

	s.Start(context.Background())
	settle(t, s, fc)
	require.Equal(t, int32(1), calls.Load())

	def, ok := s.Get(id)
	require.True(t, ok, "failing job must stay registered")
	assert.Equal(t, fc.Now(), def.LastRun)
	assert.Equal(t, fc.Now().Add(20*time.Second), def.NextRun)

	for i := 0; i < 3; i++ {
		fc.Advance(5 * time.Second)
		settle(t, s, fc)
	}
	assert.Equal(t, int32(1), calls.Load(), "no early retry")

	fc.Advance(5 * time.Second)
	settle(t, s, fc)
	assert.Equal(t, int32(2), calls.Load())

	snap := s.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, boom.Error(), snap.History[1].Error)
}

func TestRunNowResetsSchedule(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	var n atomic.Int32
	id, err := s.AddTask(counting(&n), time.Minute, "a", Args{})
	require.NoError(t, err)

	fc.Advance(30 * time.Second)
	out, ok := s.RunNow(context.Background(), id)
	require.True(t, ok)
	require.NoError(t, out.Err)
	assert.Equal(t, TriggerManual, out.Trigger)
	assert.Equal(t, id, out.JobID)

	now := fc.Now()
	def, _ := s.Get(id)
	assert.Equal(t, now, def.LastRun)
	assert.Equal(t, now.Add(time.Minute), def.NextRun)
	assert.Empty(t, s.DueJobs(now))
	assert.Empty(t, s.DueJobs(now.Add(59*time.Second)))
	assert.Equal(t, []string{id}, s.DueJobs(now.Add(time.Minute)))

	// The first tick after a manual run must not dispatch it again.
	s.Start(context.Background())
	settle(t, s, fc)
	fc.Advance(5 * time.Second)
	settle(t, s, fc)
	assert.Equal(t, int32(1), n.Load())
}

func TestRunNowUnknownJob(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	out, ok := s.RunNow(context.Background(), "missing")
	assert.False(t, ok)
	assert.ErrorIs(t, out.Err, ErrUnknownJob)
	assert.Equal(t, "missing", out.JobID)
}

func TestRunNowReportsFailureInOutcome(t *testing.T) {
	t.Parallel()

	s, bus := newTestService(t, clockwork.NewFakeClock(), Config{})
	events, unsub := bus.Subscribe(8, EventJobFailed)
	defer unsub()

	boom := errors.New("boom")
	id, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		return nil, boom
	}), time.Minute, "failing", Args{})
	require.NoError(t, err)

	out, ok := s.RunNow(context.Background(), id)
	require.True(t, ok)
	var jerr *JobExecutionError
	require.ErrorAs(t, out.Err, &jerr)
	assert.Equal(t, id, jerr.JobID)
	assert.Equal(t, "failing", jerr.Name)
	assert.ErrorIs(t, out.Err, boom)

	select {
	case e := <-events:
		ev, ok := e.Data.(JobEvent)
		require.True(t, ok)
		assert.Equal(t, id, ev.ID)
		assert.Equal(t, "boom", ev.Error)
	case <-time.After(time.Second):
		t.Fatal("job.failed not published")
	}
}

func TestPanickingJobIsContained(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	var panics, others atomic.Int32
	id, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		panics.Add(1)
		panic("nil map write")
	}), 10*time.Second, "panicky", Args{})
	require.NoError(t, err)
	_, err = s.AddTask(counting(&others), 10*time.Second, "neighbour", Args{})
	require.NoError(t, err)

	s.Start(context.Background())
	settle(t, s, fc)
	assert.Equal(t, int32(1), panics.Load())
	assert.Equal(t, int32(1), others.Load())

	// The loop survives and keeps both jobs on schedule.
	fc.Advance(5 * time.Second)
	settle(t, s, fc)
	fc.Advance(5 * time.Second)
	settle(t, s, fc)
	assert.Equal(t, int32(2), panics.Load())
	assert.Equal(t, int32(2), others.Load())
	assert.True(t, s.Running())

	out, ok := s.RunNow(context.Background(), id)
	require.True(t, ok)
	assert.ErrorIs(t, out.Err, ErrJobPanicked)
}

func TestStopThenStartResumes(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	var n atomic.Int32
	_, err := s.AddTask(counting(&n), 10*time.Second, "a", Args{})
	require.NoError(t, err)

	s.Start(context.Background())
	s.Start(context.Background()) // idempotent
	settle(t, s, fc)
	require.Equal(t, int32(1), n.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx)) // idempotent
	assert.False(t, s.Running())

	fc.Advance(20 * time.Second)
	assert.Equal(t, int32(1), n.Load(), "stopped scheduler must not tick")

	s.Start(context.Background())
	settle(t, s, fc)
	assert.Equal(t, int32(2), n.Load())
	assert.Len(t, s.Jobs(), 1)
}

func TestStopDoesNotAbortInflightRun(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	entered := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	id, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return nil, nil
	}), time.Minute, "slow", Args{})
	require.NoError(t, err)

	s.Start(context.Background())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	close(release)
	require.NoError(t, s.Wait(ctx))
	assert.Nil(t, ctxErr.Load(), "run context must survive Stop")

	def, _ := s.Get(id)
	assert.False(t, def.LastRun.IsZero(), "bookkeeping lands after Stop")
}

func TestScheduledDispatchSkipsBusyJob(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, bus := newTestService(t, fc, Config{Tick: 5 * time.Second})
	skipped, unsub := bus.Subscribe(8, EventJobSkipped)
	defer unsub()

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var calls atomic.Int32
	_, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil, nil
	}), 5*time.Second, "slow", Args{})
	require.NoError(t, err)

	s.Start(context.Background())
	<-entered
	fc.BlockUntil(1)

	// Still running and still due: the next tick must skip it.
	fc.Advance(5 * time.Second)
	select {
	case e := <-skipped:
		assert.Equal(t, "overlap_skip", e.Data.(JobEvent).Error)
	case <-time.After(2 * time.Second):
		t.Fatal("expected job.skipped")
	}

	close(release)
	settle(t, s, fc)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunNowWaitsForInflightRun(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	var active, maxActive, calls atomic.Int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	id, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		cur := active.Add(1)
		defer active.Add(-1)
		if cur > maxActive.Load() {
			maxActive.Store(cur)
		}
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil, nil
	}), time.Minute, "exclusive", Args{})
	require.NoError(t, err)

	s.Start(context.Background())
	<-entered

	done := make(chan Outcome, 1)
	go func() {
		out, _ := s.RunNow(context.Background(), id)
		done <- out
	}()

	select {
	case <-done:
		t.Fatal("RunNow overlapped an in-flight run")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case out := <-done:
		require.NoError(t, out.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunNow never ran")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestRunNowHonoursContextWhileWaiting(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	id, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}), time.Minute, "slow", Args{})
	require.NoError(t, err)

	go s.RunNow(context.Background(), id)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, ok := s.RunNow(ctx, id)
	assert.True(t, ok)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestTimeoutBoundsRun(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	id, err := s.AddTaskOpt(JobFunc(func(ctx context.Context, args Args) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), time.Minute, "stuck", Args{}, TaskOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	out, ok := s.RunNow(context.Background(), id)
	require.True(t, ok)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{HistorySize: 3})
	var n atomic.Int32
	id, err := s.AddTask(counting(&n), time.Minute, "a", Args{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, ok := s.RunNow(context.Background(), id)
		require.True(t, ok)
	}
	snap := s.Snapshot()
	assert.Len(t, snap.History, 3)
	require.Len(t, snap.Jobs, 1)
	assert.NotNil(t, snap.Jobs[0].LastRun)
	assert.False(t, snap.Running)
}

func TestRemovedJobBookkeepingIsDropped(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	var id string
	var err error
	id, err = s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		s.RemoveTask(id)
		return "done", nil
	}), time.Minute, "self-removing", Args{})
	require.NoError(t, err)

	out, ok := s.RunNow(context.Background(), id)
	require.True(t, ok)
	assert.Equal(t, "done", out.Result)
	_, ok = s.Get(id)
	assert.False(t, ok)
}

func TestSlowJobDoesNotDelayOthers(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: 5 * time.Second})
	release := make(chan struct{})
	var slow, fast atomic.Int32
	_, err := s.AddTask(JobFunc(func(ctx context.Context, args Args) (any, error) {
		slow.Add(1)
		<-release
		return nil, nil
	}), 5*time.Second, "slow", Args{})
	require.NoError(t, err)
	fastID, err := s.AddTask(counting(&fast), 5*time.Second, "fast", Args{})
	require.NoError(t, err)

	// fastSettled reports that run n of fast has finished, including its bookkeeping.
	fastSettled := func(n int32) func() bool {
		return func() bool {
			def, _, gate, ok := s.reg.lookup(fastID)
			return ok && fast.Load() == n && def.LastRun.Equal(fc.Now()) && !gate.busy()
		}
	}

	s.Start(context.Background())
	fc.BlockUntil(1)
	require.Eventually(t, fastSettled(1), 2*time.Second, time.Millisecond)

	for i := int32(2); i <= 4; i++ {
		fc.Advance(5 * time.Second)
		fc.BlockUntil(1)
		require.Eventually(t, fastSettled(i), 2*time.Second, time.Millisecond,
			"fast should run on tick %d while slow is blocked", i)
	}
	assert.Equal(t, int32(1), slow.Load(), "busy job is skipped, not stacked")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestConcurrentRegistrationWhileTicking(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s, _ := newTestService(t, fc, Config{Tick: time.Second})
	var runs atomic.Int32
	s.Start(context.Background())
	fc.BlockUntil(1)

	const workers, perWorker = 8, 20
	kept := make([][]string, workers)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				fc.Advance(time.Second)
				_ = s.DueJobs(fc.Now())
				_ = s.Snapshot()
			}
		}
	}()

	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			for i := 0; i < perWorker; i++ {
				id, err := s.AddTask(counting(&runs), time.Second, "churn", Args{Named: map[string]any{"w": w, "i": i}})
				if err != nil {
					errs <- err
					return
				}
				if i%2 == 0 {
					if !s.RemoveTask(id) {
						errs <- errors.New("remove of fresh id reported missing")
						return
					}
					continue
				}
				kept[w] = append(kept[w], id)
			}
			errs <- nil
		}(w)
	}
	for w := 0; w < workers; w++ {
		require.NoError(t, <-errs)
	}
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Wait(ctx))

	jobs := s.Jobs()
	assert.Len(t, jobs, workers*perWorker/2)
	for w, ids := range kept {
		for _, id := range ids {
			def, ok := s.Get(id)
			require.True(t, ok, "worker %d lost %s", w, id)
			assert.Equal(t, w, def.Args.Named["w"])
		}
	}
}

func TestDefinitionsDoNotExposeJob(t *testing.T) {
	t.Parallel()

	jobType := reflect.TypeOf((*Job)(nil)).Elem()
	typ := reflect.TypeOf(JobDefinition{})
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		assert.False(t, f.Type.Implements(jobType), "field %s hands out a runnable job", f.Name)
	}

	s, _ := newTestService(t, clockwork.NewFakeClock(), Config{})
	var n atomic.Int32
	id, err := s.AddTask(counting(&n), time.Minute, "private", Args{})
	require.NoError(t, err)
	_, ok := s.Get(id)
	require.True(t, ok)

	out, ok := s.RunNow(context.Background(), id)
	require.True(t, ok)
	require.NoError(t, out.Err)
	assert.Equal(t, int32(1), n.Load())
}
