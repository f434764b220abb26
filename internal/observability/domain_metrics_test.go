package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveQueryExecutionCountsOutcomeAndRecords(t *testing.T) {
	beforeOutcome := testutil.ToFloat64(queryExecutionsTotal.WithLabelValues(QueryOutcomeTimeout))
	beforeRecords := testutil.ToFloat64(queryRecordsTotal)

	ObserveQueryExecution(QueryOutcomeTimeout, 5, 0, 50*time.Millisecond)
	ObserveQueryExecution(QueryOutcomeSucceeded, 2, 3, 10*time.Millisecond)

	if got := testutil.ToFloat64(queryExecutionsTotal.WithLabelValues(QueryOutcomeTimeout)) - beforeOutcome; got != 1 {
		t.Fatalf("timeout executions delta = %v", got)
	}
	if got := testutil.ToFloat64(queryRecordsTotal) - beforeRecords; got != 3 {
		t.Fatalf("records delta = %v", got)
	}
}

func TestIncrementEmulatorExecution(t *testing.T) {
	before := testutil.ToFloat64(emulatorExecutionsTotal.WithLabelValues("FAILED"))
	IncrementEmulatorExecution("FAILED")
	if got := testutil.ToFloat64(emulatorExecutionsTotal.WithLabelValues("FAILED")) - before; got != 1 {
		t.Fatalf("emulator executions delta = %v", got)
	}
}
