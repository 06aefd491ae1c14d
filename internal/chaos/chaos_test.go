package chaos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kitabu/internal/app"
	"kitabu/internal/apperr"
	"kitabu/internal/circulation"
	"kitabu/internal/memdb"
	"kitabu/internal/storage"
)

func newTarget(t *testing.T) *Target {
	t.Helper()
	db := memdb.New(memdb.WithLockTimeout(5 * time.Second))
	return NewTarget(app.MemoryStores(db),
		circulation.WithMaxAttempts(50),
		circulation.WithRetryDelays(time.Millisecond, 10*time.Millisecond),
	)
}

func TestCirculationExperimentsHold(t *testing.T) {
	target := newTarget(t)
	engine := NewEngine(zap.NewNop())
	engine.RegisterExperiments(target, 16)

	for _, exp := range engine.Experiments() {
		t.Run(exp.Name, func(t *testing.T) {
			result, err := engine.RunExperiment(context.Background(), exp)
			require.NoError(t, err)
			assert.True(t, result.SteadyStateValid)
			assert.Empty(t, result.FailedAssertions)
			assert.Empty(t, result.ErrorEvents)
			assert.True(t, result.HypothesisHeld)
		})
	}
	assert.Len(t, engine.Results(), 3)
}

func TestConflictInjectionIsRetried(t *testing.T) {
	target := newTarget(t)
	engine := NewEngine(zap.NewNop())

	result, err := engine.RunExperiment(context.Background(), ConflictInjectionExperiment(target, 2, 10))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "failed: %v", result.FailedAssertions)
	assert.Positive(t, target.Injector.Injected())

	// rollback removed the fault
	before := target.Injector.Injected()
	_, err = target.Service.ListBooks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, target.Injector.Injected())
}

func TestFaultInjectorFailsEveryNthUnit(t *testing.T) {
	calls := 0
	injector := NewFaultInjector(storage.TransactorFunc(func(ctx context.Context, fn func(context.Context) error) error {
		calls++
		return fn(ctx)
	}))
	injector.Enable(3)

	var failures int
	for i := 0; i < 9; i++ {
		err := injector.RunInTx(context.Background(), func(context.Context) error { return nil })
		if err != nil {
			failures++
			assert.True(t, errors.Is(err, apperr.ErrStorageConflict))
		}
	}
	assert.Equal(t, 3, failures)
	assert.Equal(t, 6, calls)
	assert.EqualValues(t, 3, injector.Injected())

	injector.Disable()
	require.NoError(t, injector.RunInTx(context.Background(), func(context.Context) error { return nil }))
}

func TestSteadyStateFailureAborts(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	methodRan := false

	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name: "broken-baseline",
		SteadyState: []Metric{{
			Name:      "stock_violations",
			Query:     func(context.Context) (float64, error) { return 2, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{
			Type:   "noop",
			Target: "none",
			Execute: func(context.Context) error {
				methodRan = true
				return nil
			},
		}},
	})
	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, 2.0, result.Violations[0].Actual)
	assert.False(t, methodRan)
}

func TestFailedAssertionBreaksHypothesis(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	var value float64

	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name: "drifting",
		Outcomes: []Metric{{
			Name:      "drift",
			Query:     func(context.Context) (float64, error) { return value, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{
			Type:   "skew",
			Target: "ledger",
			Execute: func(context.Context) error {
				value = 3
				return nil
			},
		}},
		Validation: []Assertion{
			{Metric: "drift", Condition: func(v float64) bool { return v == 0 }, Message: "no drift"},
			{Metric: "missing", Condition: func(float64) bool { return true }, Message: "missing metric"},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"no drift", "missing metric (no observations)"}, result.FailedAssertions)
}

func TestGameDayReportsOverallOutcome(t *testing.T) {
	target := newTarget(t)
	engine := NewEngine(zap.NewNop())

	held, err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "circulation",
		Date:      time.Now(),
		Scenarios: []Experiment{IssueRaceExperiment(target, 8), ReturnRaceExperiment(target, 8)},
	})
	require.NoError(t, err)
	assert.True(t, held)

	held, err = engine.ExecuteGameDay(context.Background(), GameDay{
		Name: "impossible",
		Scenarios: []Experiment{{
			Name:        "never-steady",
			SteadyState: []Metric{{Name: "x", Query: func(context.Context) (float64, error) { return 1, nil }, Threshold: Threshold{Operator: "<", Value: 0}}},
		}},
	})
	require.NoError(t, err)
	assert.False(t, held)
}

func TestEvaluateThreshold(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evaluateThreshold(tc.value, Threshold{Operator: tc.op, Value: 1}), "%v %s 1", tc.value, tc.op)
	}
}
