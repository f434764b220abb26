package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/athenaq/athenaq/internal/observability"
)

const (
	DefaultMaxAttempts  = 120
	DefaultPollInterval = time.Second
)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Runner submits queries to a Service, polls them to a terminal state and
// shapes the results into records. A Runner holds no per-query state and
// may be shared.
type Runner struct {
	Service      Service
	Defaults     Params
	MaxAttempts  int
	PollInterval time.Duration
	Logger       *slog.Logger
	Wait         WaitFunc
}

// FetchAll runs queryText and returns its records. A page or pageSize <= 0
// disables pagination.
//
// maxAttempts <= 0 uses the runner's budget (DefaultMaxAttempts, 120 polls,
// when unset). It does not mean "give up immediately": a zero budget would
// only ever report a timeout, so it is treated as "not specified".
func (r *Runner) FetchAll(ctx context.Context, queryText string, maxAttempts, page, pageSize int) ([]Record, error) {
	result, err := r.Execute(ctx, Request{
		SQL:         queryText,
		MaxAttempts: maxAttempts,
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (r *Runner) Execute(ctx context.Context, request Request) (Result, error) {
	if r.Service == nil {
		return Result{}, fmt.Errorf("query service is required")
	}
	sqlText := normalizeSQL(request.SQL)
	if sqlText == "" {
		return Result{}, fmt.Errorf("sql is required")
	}
	if request.Page < 0 || request.PageSize < 0 {
		return Result{}, fmt.Errorf("page and page size must be >= 0")
	}

	params := r.Defaults.WithQuery(sqlText)
	maxAttempts := request.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.maxAttempts()
	}
	start := time.Now()

	executionID, err := r.Service.StartQueryExecution(ctx, params)
	if err != nil {
		observability.ObserveQueryExecution(observability.QueryOutcomeRemoteError, 0, 0, time.Since(start))
		return Result{}, remoteErr("start query execution", err)
	}
	logger := observability.ExecutionLogger(ctx, r.Logger, string(executionID))
	logger.InfoContext(ctx, "query_submitted",
		slog.String("database", params.Database),
		slog.String("output_location", params.OutputLocation()),
	)

	remaining := maxAttempts
	attempts := 0
	for remaining > 0 {
		remaining--
		attempts++

		status, err := r.Service.GetQueryExecution(ctx, executionID)
		if err != nil {
			observability.ObserveQueryExecution(observability.QueryOutcomeRemoteError, attempts, 0, time.Since(start))
			return Result{}, remoteErr("get query execution", err)
		}
		logger.DebugContext(ctx, "query_poll",
			slog.Int("attempt", attempts),
			slog.String("state", string(status.State)),
		)

		switch status.State {
		case StateFailed, StateCancelled:
			observability.ObserveQueryExecution(observability.QueryOutcomeFailed, attempts, 0, time.Since(start))
			logger.WarnContext(ctx, "query_failed",
				slog.String("state", string(status.State)),
				slog.String("reason", status.StateChangeReason),
			)
			return Result{}, &ExecutionFailedError{
				Query:       sqlText,
				ExecutionID: executionID,
				State:       status.State,
				Reason:      status.StateChangeReason,
			}
		case StateSucceeded:
			records, err := r.fetchRecords(ctx, executionID, request)
			if err != nil {
				observability.ObserveQueryExecution(observability.QueryOutcomeRemoteError, attempts, 0, time.Since(start))
				return Result{}, err
			}
			elapsed := time.Since(start)
			observability.ObserveQueryExecution(observability.QueryOutcomeSucceeded, attempts, len(records), elapsed)
			logger.InfoContext(ctx, "query_succeeded",
				slog.Int("attempts", attempts),
				slog.Int("records", len(records)),
				slog.Duration("duration", elapsed),
			)
			return Result{
				ExecutionID:    executionID,
				OutputLocation: params.OutputLocation(),
				Records:        records,
				Attempts:       attempts,
				Page:           request.Page,
				PageSize:       request.PageSize,
				Duration:       elapsed,
			}, nil
		}

		if remaining == 0 {
			break
		}
		if err := r.wait(ctx, r.pollInterval()); err != nil {
			observability.ObserveQueryExecution(observability.QueryOutcomeCanceled, attempts, 0, time.Since(start))
			return Result{}, fmt.Errorf("wait for execution %s: %w", executionID, err)
		}
	}

	observability.ObserveQueryExecution(observability.QueryOutcomeTimeout, attempts, 0, time.Since(start))
	logger.WarnContext(ctx, "query_timeout",
		slog.Int("attempts", attempts),
	)
	return Result{}, &ExecutionTimeoutError{Query: sqlText, ExecutionID: executionID, Attempts: attempts}
}

func (r *Runner) fetchRecords(ctx context.Context, executionID ExecutionID, request Request) ([]Record, error) {
	if !request.paginated() {
		resultSet, err := r.Service.GetQueryResults(ctx, executionID)
		if err != nil {
			return nil, remoteErr("get query results", err)
		}
		return ParseRows(resultSet, true), nil
	}

	// Pages are walked from the start; the service offers no seek.
	pager := r.Service.GetQueryResultPages(ctx, executionID, request.PageSize)
	currentPage := 0
	for pager.HasMorePages() {
		resultSet, err := pager.NextPage(ctx)
		if err != nil {
			return nil, remoteErr("get query results page", err)
		}
		currentPage++
		if currentPage == request.Page {
			return ParseRows(resultSet, request.Page == 1), nil
		}
	}
	return []Record{}, nil
}

func (r *Runner) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return DefaultPollInterval
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if r.Wait != nil {
		return r.Wait(ctx, d)
	}
	return sleepContext(ctx, d)
}
