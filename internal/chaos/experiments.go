// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kitabu/internal/apperr"
	"kitabu/internal/catalog"
	"kitabu/internal/membership"
	"kitabu/internal/money"
)

const raceFee = 50

// RegisterExperiments registers the circulation experiments against target.
func (e *Engine) RegisterExperiments(target *Target, concurrency int) {
	e.RegisterExperiment(IssueRaceExperiment(target, concurrency))
	e.RegisterExperiment(ReturnRaceExperiment(target, concurrency))
	e.RegisterExperiment(ConflictInjectionExperiment(target, 3, 20))
}

func stockConsistency(target *Target) Metric {
	return Metric{
		Name:      "stock_violations",
		Query:     target.StockViolations,
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func counter(name string, c *atomic.Int64, want float64) Metric {
	return Metric{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: Threshold{Operator: "==", Value: want},
	}
}

// balanceDrift measures how far a member's balance is from what the
// completed loans should have charged.
func balanceDrift(target *Target, memberID *uuid.UUID, expected func() money.Amount) Metric {
	return Metric{
		Name: "balance_drift",
		Query: func(ctx context.Context) (float64, error) {
			balance, err := target.Service.GetBalance(ctx, *memberID)
			if err != nil {
				return 0, err
			}
			drift, _ := balance.Minus(expected()).Abs().Float64()
			return drift, nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func seed(ctx context.Context, target *Target, name string, stock int) (catalog.Book, membership.Member, error) {
	suffix := uuid.NewString()[:8]
	book, err := target.Service.CreateBook(ctx, catalog.NewBook{
		Title:           "Chaos copy " + name,
		Author:          "Game Day",
		ISBN:            fmt.Sprintf("%013d", time.Now().UnixNano()%1e13),
		PublicationYear: time.Now().Year(),
		Stock:           stock,
		RentFee:         money.FromInt(raceFee),
	})
	if err != nil {
		return catalog.Book{}, membership.Member{}, fmt.Errorf("seed book: %w", err)
	}
	member, err := target.Service.RegisterMember(ctx, membership.NewMember{
		FirstName: "Chaos",
		LastName:  name,
		Email:     "chaos." + suffix + "@example.com",
	})
	if err != nil {
		return catalog.Book{}, membership.Member{}, fmt.Errorf("seed member: %w", err)
	}
	return book, member, nil
}

// IssueRaceExperiment fires concurrent issues at the last copy of a book.
func IssueRaceExperiment(target *Target, concurrency int) Experiment {
	var bookID, memberID uuid.UUID
	var successes, unexpected atomic.Int64

	return Experiment{
		Name:        "concurrent-issue-race",
		Hypothesis:  "Exactly one of many simultaneous issues of the last copy succeeds and stock never goes negative",
		SteadyState: []Metric{stockConsistency(target)},
		Outcomes: []Metric{
			counter("issue_successes", &successes, 1),
			counter("unexpected_errors", &unexpected, 0),
		},
		Method: []Action{
			{
				Type:   "setup",
				Target: "catalog",
				Execute: func(ctx context.Context) error {
					book, member, err := seed(ctx, target, "issue-race", 1)
					bookID, memberID = book.ID, member.ID
					return err
				},
			},
			{
				Type:   "concurrent-requests",
				Target: "circulation-service",
				Execute: func(ctx context.Context) error {
					return fanOut(concurrency, func() {
						_, err := target.Service.IssueBook(ctx, bookID, memberID)
						switch {
						case err == nil:
							successes.Add(1)
						case !errors.Is(err, apperr.ErrOutOfStock):
							unexpected.Add(1)
						}
					})
				},
			},
		},
		Validation: []Assertion{
			{Metric: "stock_violations", Condition: func(v float64) bool { return v == 0 }, Message: "Stock must match registered copies minus open loans"},
			{Metric: "issue_successes", Condition: func(v float64) bool { return v == 1 }, Message: "Exactly one issue of the last copy succeeds"},
			{Metric: "unexpected_errors", Condition: func(v float64) bool { return v == 0 }, Message: "Losing issues report out of stock"},
		},
	}
}

// ReturnRaceExperiment fires concurrent returns of one loan.
func ReturnRaceExperiment(target *Target, concurrency int) Experiment {
	var loanID, memberID uuid.UUID
	var successes, unexpected atomic.Int64

	return Experiment{
		Name:        "concurrent-return-race",
		Hypothesis:  "Exactly one of many simultaneous returns closes the loan and the fee is charged once",
		SteadyState: []Metric{stockConsistency(target)},
		Outcomes: []Metric{
			counter("return_successes", &successes, 1),
			counter("unexpected_errors", &unexpected, 0),
			balanceDrift(target, &memberID, func() money.Amount { return money.FromInt(raceFee) }),
		},
		Method: []Action{
			{
				Type:   "setup",
				Target: "circulation-service",
				Execute: func(ctx context.Context) error {
					book, member, err := seed(ctx, target, "return-race", 1)
					if err != nil {
						return err
					}
					memberID = member.ID
					loan, err := target.Service.IssueBook(ctx, book.ID, member.ID)
					loanID = loan.ID
					return err
				},
			},
			{
				Type:   "concurrent-requests",
				Target: "circulation-service",
				Execute: func(ctx context.Context) error {
					return fanOut(concurrency, func() {
						_, err := target.Service.ReturnBook(ctx, loanID)
						switch {
						case err == nil:
							successes.Add(1)
						case !errors.Is(err, apperr.ErrAlreadyReturned):
							unexpected.Add(1)
						}
					})
				},
			},
		},
		Validation: []Assertion{
			{Metric: "stock_violations", Condition: func(v float64) bool { return v == 0 }, Message: "Stock must match registered copies minus open loans"},
			{Metric: "return_successes", Condition: func(v float64) bool { return v == 1 }, Message: "Exactly one return succeeds"},
			{Metric: "unexpected_errors", Condition: func(v float64) bool { return v == 0 }, Message: "Losing returns report already returned"},
			{Metric: "balance_drift", Condition: func(v float64) bool { return v == 0 }, Message: "The fee is charged exactly once"},
		},
	}
}

// ConflictInjectionExperiment aborts every n-th unit of work with a storage
// conflict while a member borrows and returns a book repeatedly.
func ConflictInjectionExperiment(target *Target, every int64, rounds int) Experiment {
	var memberID uuid.UUID
	var completed, failed, injected atomic.Int64

	return Experiment{
		Name:        "storage-conflict-injection",
		Hypothesis:  "Transient storage conflicts are retried away without partial state or lost requests",
		SteadyState: []Metric{stockConsistency(target)},
		Outcomes: []Metric{
			counter("failed_requests", &failed, 0),
			{
				Name:      "injected_conflicts",
				Query:     func(context.Context) (float64, error) { return float64(injected.Load()), nil },
				Threshold: Threshold{Operator: ">", Value: 0},
			},
			balanceDrift(target, &memberID, func() money.Amount {
				return money.FromInt(raceFee * completed.Load())
			}),
		},
		Method: []Action{
			{
				Type:   "setup",
				Target: "catalog",
				Execute: func(ctx context.Context) error {
					book, member, err := seed(ctx, target, "conflicts", 2)
					if err != nil {
						return err
					}
					memberID = member.ID

					before := target.Injector.Injected()
					target.Injector.Enable(every)
					defer func() { injected.Store(target.Injector.Injected() - before) }()

					for i := 0; i < rounds; i++ {
						loan, err := target.Service.IssueBook(ctx, book.ID, member.ID)
						if err != nil {
							failed.Add(1)
							continue
						}
						if _, err := target.Service.ReturnBook(ctx, loan.ID); err != nil {
							failed.Add(1)
							continue
						}
						completed.Add(1)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "remove-fault",
				Target: "storage",
				Execute: func(context.Context) error {
					target.Injector.Disable()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{Metric: "stock_violations", Condition: func(v float64) bool { return v == 0 }, Message: "Stock must match registered copies minus open loans"},
			{Metric: "failed_requests", Condition: func(v float64) bool { return v == 0 }, Message: "Every request succeeds after retrying"},
			{Metric: "injected_conflicts", Condition: func(v float64) bool { return v > 0 }, Message: "Conflicts were actually injected"},
			{Metric: "balance_drift", Condition: func(v float64) bool { return v == 0 }, Message: "Each completed loan is charged once"},
		},
	}
}

// fanOut runs fn from n goroutines released at the same moment.
func fanOut(n int, fn func()) error {
	if n <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", n)
	}
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}
	close(start)
	wg.Wait()
	return nil
}
