package duckdb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/athenaq/athenaq/internal/observability"
	"github.com/athenaq/athenaq/internal/query"
	"github.com/athenaq/athenaq/internal/storage"
)

var _ query.Service = (*Emulator)(nil)

// TableBinding exposes a parquet object from the store as a table.
type TableBinding struct {
	TableName string
	ObjectKey string
}

// DefaultMaxRetained bounds how many unread executions the emulator keeps.
const DefaultMaxRetained = 128

type execution struct {
	status    query.ExecutionStatus
	result    query.ResultSet
	outputKey string
}

// Emulator is a local stand-in for the managed query service. Queries run
// on an in-memory DuckDB at submission time; status and results are then
// served from memory. Successful results are also written to the object
// store as CSV artifacts under the configured output path.
//
// An execution is dropped once its results are handed out or its failure is
// reported. Executions nobody reads are dropped oldest first past
// MaxRetained.
type Emulator struct {
	Store  storage.ObjectStore
	Tables []TableBinding
	Logger *slog.Logger
	// Open returns the database a single execution runs on. Defaults to a
	// fresh in-memory DuckDB.
	Open        func() (*sql.DB, error)
	MaxRetained int

	mu         sync.Mutex
	executions map[query.ExecutionID]*execution
	order      []query.ExecutionID
}

func NewEmulator(store storage.ObjectStore, tables []TableBinding, logger *slog.Logger) *Emulator {
	return &Emulator{Store: store, Tables: tables, Logger: logger}
}

func (e *Emulator) StartQueryExecution(ctx context.Context, params query.Params) (query.ExecutionID, error) {
	if strings.TrimSpace(params.Query) == "" {
		return "", fmt.Errorf("query string is required")
	}
	if len(e.Tables) > 0 && e.Store == nil {
		return "", fmt.Errorf("object store is required for table bindings")
	}

	id := query.ExecutionID(uuid.NewString())
	exec := &execution{status: query.ExecutionStatus{State: query.StateSucceeded}}

	result, err := e.run(ctx, params.Query)
	if err == nil {
		exec.result = result
		exec.outputKey, err = e.writeArtifact(ctx, params.OutputPath, id, result)
	}
	if err != nil {
		exec.status = query.ExecutionStatus{State: query.StateFailed, StateChangeReason: err.Error()}
	}

	e.retain(id, exec)

	observability.IncrementEmulatorExecution(string(exec.status.State))
	observability.ExecutionLogger(ctx, e.Logger, string(id)).DebugContext(ctx, "emulator_execution",
		slog.String("state", string(exec.status.State)),
		slog.String("output_key", exec.outputKey),
	)
	return id, nil
}

func (e *Emulator) GetQueryExecution(_ context.Context, id query.ExecutionID) (query.ExecutionStatus, error) {
	exec, err := e.lookup(id)
	if err != nil {
		return query.ExecutionStatus{}, err
	}
	if exec.status.State == query.StateFailed {
		e.release(id)
	}
	return exec.status, nil
}

func (e *Emulator) GetQueryResults(_ context.Context, id query.ExecutionID) (query.ResultSet, error) {
	exec, err := e.succeeded(id)
	if err != nil {
		return query.ResultSet{}, err
	}
	e.release(id)
	return exec.result, nil
}

func (e *Emulator) GetQueryResultPages(_ context.Context, id query.ExecutionID, pageSize int) query.ResultPager {
	exec, err := e.succeeded(id)
	if err != nil {
		return &pager{err: err}
	}
	e.release(id)
	if pageSize <= 0 {
		pageSize = len(exec.result.Rows) + 1
	}
	return &pager{result: exec.result, pageSize: pageSize}
}

// Retained reports how many executions are held in memory.
func (e *Emulator) Retained() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executions)
}

func (e *Emulator) retain(id query.ExecutionID, exec *execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.executions == nil {
		e.executions = map[query.ExecutionID]*execution{}
	}
	e.executions[id] = exec
	e.order = append(e.order, id)

	limit := e.MaxRetained
	if limit <= 0 {
		limit = DefaultMaxRetained
	}
	for len(e.executions) > limit && len(e.order) > 0 {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.executions, oldest)
	}
	// order may hold ids already released; compact once it doubles.
	if len(e.order) > 2*limit {
		live := make([]query.ExecutionID, 0, len(e.executions))
		for _, candidate := range e.order {
			if _, ok := e.executions[candidate]; ok {
				live = append(live, candidate)
			}
		}
		e.order = live
	}
}

func (e *Emulator) release(id query.ExecutionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executions, id)
}

func (e *Emulator) lookup(id query.ExecutionID) (*execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[id]
	if !ok {
		return nil, fmt.Errorf("query execution %s was not found", id)
	}
	return exec, nil
}

func (e *Emulator) succeeded(id query.ExecutionID) (*execution, error) {
	exec, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if exec.status.State != query.StateSucceeded {
		return nil, fmt.Errorf("query execution %s has state %s", id, exec.status.State)
	}
	return exec, nil
}

func (e *Emulator) run(ctx context.Context, sqlText string) (query.ResultSet, error) {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return query.ResultSet{}, fmt.Errorf("sql is required")
	}

	db, err := e.open()
	if err != nil {
		return query.ResultSet{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	if len(e.Tables) > 0 {
		workDir, err := os.MkdirTemp("", "athenaq-emulator-")
		if err != nil {
			return query.ResultSet{}, fmt.Errorf("create emulator temp dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(workDir) }()
		if err := e.bindTables(ctx, db, workDir); err != nil {
			return query.ResultSet{}, err
		}
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.ResultSet{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.ResultSet{}, fmt.Errorf("query columns: %w", err)
	}

	// Row 0 repeats the column names, as the managed service does.
	header := make([]string, len(columns))
	copy(header, columns)
	resultRows := [][]string{header}
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.ResultSet{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, textValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.ResultSet{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.ResultSet{Columns: columns, Rows: resultRows}, nil
}

func (e *Emulator) bindTables(ctx context.Context, db *sql.DB, workDir string) error {
	groupedPaths := map[string][]string{}
	order := make([]string, 0, len(e.Tables))
	for index, binding := range e.Tables {
		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(binding.TableName), index))
		size, err := downloadObject(ctx, e.Store, binding.ObjectKey, localPath)
		if err != nil {
			return err
		}
		if e.Logger != nil {
			e.Logger.DebugContext(ctx, "emulator_table_bound",
				slog.String("table", binding.TableName),
				slog.String("object_key", binding.ObjectKey),
				slog.Int64("bytes", size),
			)
		}
		if _, ok := groupedPaths[binding.TableName]; !ok {
			order = append(order, binding.TableName)
		}
		groupedPaths[binding.TableName] = append(groupedPaths[binding.TableName], localPath)
	}

	for _, tableName := range order {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(tableName), quoteStringArray(groupedPaths[tableName]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}
	return nil
}

func (e *Emulator) writeArtifact(ctx context.Context, outputPath string, id query.ExecutionID, result query.ResultSet) (string, error) {
	if e.Store == nil {
		return "", nil
	}
	key, err := storage.BuildOutputKey(outputPath, string(id))
	if err != nil {
		return "", err
	}

	buf := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buf)
	if err := writer.WriteAll(result.Rows); err != nil {
		return "", fmt.Errorf("encode csv artifact: %w", err)
	}
	if _, err := e.Store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{ContentType: "text/csv"}); err != nil {
		return "", fmt.Errorf("write csv artifact: %w", err)
	}
	return key, nil
}

func (e *Emulator) open() (*sql.DB, error) {
	if e.Open != nil {
		return e.Open()
	}
	return sql.Open("duckdb", "")
}

type pager struct {
	result   query.ResultSet
	pageSize int
	offset   int
	started  bool
	err      error
}

func (p *pager) HasMorePages() bool {
	if p.err != nil || !p.started {
		return true
	}
	return p.offset < len(p.result.Rows)
}

func (p *pager) NextPage(context.Context) (query.ResultSet, error) {
	if p.err != nil {
		return query.ResultSet{}, p.err
	}
	p.started = true
	end := p.offset + p.pageSize
	if end > len(p.result.Rows) {
		end = len(p.result.Rows)
	}
	page := query.ResultSet{Columns: p.result.Columns, Rows: p.result.Rows[p.offset:end]}
	p.offset = end
	return page, nil
}

func textValues(values []any) []string {
	text := make([]string, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case nil:
			text[i] = ""
		case []byte:
			text[i] = string(typed)
		case string:
			text[i] = typed
		case time.Time:
			text[i] = typed.UTC().Format("2006-01-02 15:04:05.000")
		default:
			text[i] = fmt.Sprint(typed)
		}
	}
	return text
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
