package query

import (
	"context"
	"strings"
	"time"
)

type ExecutionID string

type ExecutionState string

const (
	StateQueued    ExecutionState = "QUEUED"
	StateRunning   ExecutionState = "RUNNING"
	StateSucceeded ExecutionState = "SUCCEEDED"
	StateFailed    ExecutionState = "FAILED"
	StateCancelled ExecutionState = "CANCELLED"
)

// Terminal reports whether no further transitions follow this state.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Params is the per-invocation submission configuration. Runners hold a
// default copy and derive a fresh one for every query.
type Params struct {
	Region       string
	Database     string
	Catalog      string
	WorkGroup    string
	OutputBucket string
	OutputPath   string
	Query        string
}

func (p Params) WithQuery(queryText string) Params {
	p.Query = queryText
	return p
}

// OutputLocation is the fully-qualified location the service writes
// its output artifacts to.
func (p Params) OutputLocation() string {
	return "s3://" + p.OutputBucket + "/" + p.OutputPath
}

// ExecutionStatus is the observed status of an execution. An empty State
// means the service response carried no status envelope.
type ExecutionStatus struct {
	State             ExecutionState
	StateChangeReason string
}

type ResultSet struct {
	Columns []string
	Rows    [][]string
}

type Record map[string]string

type ResultPager interface {
	HasMorePages() bool
	NextPage(ctx context.Context) (ResultSet, error)
}

// Service is the managed query service the runner drives.
type Service interface {
	StartQueryExecution(ctx context.Context, params Params) (ExecutionID, error)
	GetQueryExecution(ctx context.Context, id ExecutionID) (ExecutionStatus, error)
	GetQueryResults(ctx context.Context, id ExecutionID) (ResultSet, error)
	GetQueryResultPages(ctx context.Context, id ExecutionID, pageSize int) ResultPager
}

type Request struct {
	SQL         string
	MaxAttempts int
	Page        int
	PageSize    int
}

func (r Request) paginated() bool {
	return r.Page > 0 && r.PageSize > 0
}

type Result struct {
	ExecutionID    ExecutionID
	OutputLocation string
	Records        []Record
	Attempts       int
	Page           int
	PageSize       int
	Duration       time.Duration
}

func normalizeSQL(sqlText string) string {
	return strings.TrimSpace(sqlText)
}
