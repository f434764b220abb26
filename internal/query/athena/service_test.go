package athena

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/athenaq/athenaq/internal/query"
)

func TestStartQueryExecutionBuildsOutputLocation(t *testing.T) {
	fake := &fakeClient{executionID: "qid-1"}
	service, err := NewWithClient(fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	id, err := service.StartQueryExecution(context.Background(), query.Params{
		Database:     "fpd_staging",
		WorkGroup:    "primary",
		OutputBucket: "a-bucket-name",
		OutputPath:   "temp/path",
		Query:        "SELECT 1",
	})
	if err != nil {
		t.Fatalf("StartQueryExecution() error = %v", err)
	}
	if id != "qid-1" {
		t.Fatalf("id = %q", id)
	}
	input := fake.lastStart
	if aws.ToString(input.QueryString) != "SELECT 1" {
		t.Fatalf("QueryString = %q", aws.ToString(input.QueryString))
	}
	if aws.ToString(input.QueryExecutionContext.Database) != "fpd_staging" {
		t.Fatalf("Database = %q", aws.ToString(input.QueryExecutionContext.Database))
	}
	if input.QueryExecutionContext.Catalog != nil {
		t.Fatalf("Catalog = %q, want unset", aws.ToString(input.QueryExecutionContext.Catalog))
	}
	if aws.ToString(input.ResultConfiguration.OutputLocation) != "s3://a-bucket-name/temp/path" {
		t.Fatalf("OutputLocation = %q", aws.ToString(input.ResultConfiguration.OutputLocation))
	}
	if aws.ToString(input.WorkGroup) != "primary" {
		t.Fatalf("WorkGroup = %q", aws.ToString(input.WorkGroup))
	}
}

func TestStartQueryExecutionPropagatesClientError(t *testing.T) {
	boom := errors.New("InvalidRequestException")
	service, _ := NewWithClient(&fakeClient{startErr: boom})
	if _, err := service.StartQueryExecution(context.Background(), query.Params{Query: "SELECT"}); !errors.Is(err, boom) {
		t.Fatalf("error = %v", err)
	}
}

func TestGetQueryExecutionMissingEnvelopeIsEmptyState(t *testing.T) {
	cases := []*athena.GetQueryExecutionOutput{
		{},
		{QueryExecution: &types.QueryExecution{}},
	}
	for _, output := range cases {
		service, _ := NewWithClient(&fakeClient{executionOutput: output})
		status, err := service.GetQueryExecution(context.Background(), "qid-1")
		if err != nil {
			t.Fatalf("GetQueryExecution() error = %v", err)
		}
		if status.State != "" {
			t.Fatalf("State = %q, want empty", status.State)
		}
	}
}

func TestGetQueryExecutionMapsState(t *testing.T) {
	service, _ := NewWithClient(&fakeClient{executionOutput: &athena.GetQueryExecutionOutput{
		QueryExecution: &types.QueryExecution{Status: &types.QueryExecutionStatus{
			State:             types.QueryExecutionStateFailed,
			StateChangeReason: aws.String("TABLE_NOT_FOUND"),
		}},
	}})
	status, err := service.GetQueryExecution(context.Background(), "qid-1")
	if err != nil {
		t.Fatalf("GetQueryExecution() error = %v", err)
	}
	if status.State != query.StateFailed || status.StateChangeReason != "TABLE_NOT_FOUND" {
		t.Fatalf("status = %#v", status)
	}
}

func TestGetQueryResultsConvertsNullsToEmpty(t *testing.T) {
	fake := &fakeClient{pages: map[string]*athena.GetQueryResultsOutput{
		"": {ResultSet: resultSet([]string{"a", "b"}, [][]*string{
			{aws.String("a"), aws.String("b")},
			{aws.String("1"), nil},
		})},
	}}
	service, _ := NewWithClient(fake)

	rs, err := service.GetQueryResults(context.Background(), "qid-1")
	if err != nil {
		t.Fatalf("GetQueryResults() error = %v", err)
	}
	want := query.ResultSet{
		Columns: []string{"a", "b"},
		Rows:    [][]string{{"a", "b"}, {"1", ""}},
	}
	if !reflect.DeepEqual(rs, want) {
		t.Fatalf("GetQueryResults() = %#v, want %#v", rs, want)
	}
}

func TestGetQueryResultPagesWalksNextToken(t *testing.T) {
	fake := &fakeClient{pages: map[string]*athena.GetQueryResultsOutput{
		"": {
			ResultSet: resultSet([]string{"a"}, [][]*string{{aws.String("a")}, {aws.String("1")}}),
			NextToken: aws.String("t1"),
		},
		"t1": {
			ResultSet: resultSet([]string{"a"}, [][]*string{{aws.String("2")}, {aws.String("3")}}),
		},
	}}
	service, _ := NewWithClient(fake)

	pager := service.GetQueryResultPages(context.Background(), "qid-1", 2)
	var pages []query.ResultSet
	for pager.HasMorePages() {
		page, err := pager.NextPage(context.Background())
		if err != nil {
			t.Fatalf("NextPage() error = %v", err)
		}
		pages = append(pages, page)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages[1].Rows[0][0] != "2" {
		t.Fatalf("second page = %#v", pages[1])
	}
	for _, limit := range fake.maxResults {
		if limit != 2 {
			t.Fatalf("MaxResults = %d, want 2", limit)
		}
	}
}

func TestGetQueryResultPagesAssemblesLargePages(t *testing.T) {
	client := newRowsClient("n", 4000)
	service, _ := NewWithClient(client)

	pager := service.GetQueryResultPages(context.Background(), "qid-1", 2000)
	var sizes []int
	var pages []query.ResultSet
	for pager.HasMorePages() {
		page, err := pager.NextPage(context.Background())
		if err != nil {
			t.Fatalf("NextPage() error = %v", err)
		}
		sizes = append(sizes, len(page.Rows))
		pages = append(pages, page)
	}
	if !reflect.DeepEqual(sizes, []int{2000, 2000, 1}) {
		t.Fatalf("page sizes = %v", sizes)
	}
	if pages[0].Rows[0][0] != "n" || pages[1].Rows[0][0] != "2000" || pages[2].Rows[0][0] != "4000" {
		t.Fatalf("page boundaries = %q %q %q", pages[0].Rows[0][0], pages[1].Rows[0][0], pages[2].Rows[0][0])
	}
	if !reflect.DeepEqual(pages[1].Columns, []string{"n"}) {
		t.Fatalf("columns = %v", pages[1].Columns)
	}
	for _, limit := range client.maxResults {
		if limit != maxResultsPerCall {
			t.Fatalf("MaxResults = %v", client.maxResults)
		}
	}
}

func TestRunnerReadsLargePageOverAthenaService(t *testing.T) {
	client := newRowsClient("n", 4000)
	client.executionID = "qid-2"
	client.executionOutput = &athena.GetQueryExecutionOutput{
		QueryExecution: &types.QueryExecution{Status: &types.QueryExecutionStatus{State: types.QueryExecutionStateSucceeded}},
	}
	service, _ := NewWithClient(client)
	runner := &query.Runner{Service: service, Defaults: query.Params{Database: "db", OutputBucket: "b", OutputPath: "p"}}

	records, err := runner.FetchAll(context.Background(), "SELECT n FROM t", 0, 2, 2000)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(records) != 2000 {
		t.Fatalf("records = %d, want 2000", len(records))
	}
	if records[0]["n"] != "2000" || records[1999]["n"] != "3999" {
		t.Fatalf("first = %v, last = %v", records[0], records[1999])
	}
}

func TestGetQueryResultPagesSmallPagesUseRequestedLimit(t *testing.T) {
	client := newRowsClient("n", 5)
	service, _ := NewWithClient(client)

	pager := service.GetQueryResultPages(context.Background(), "qid-1", 4)
	var sizes []int
	for pager.HasMorePages() {
		page, err := pager.NextPage(context.Background())
		if err != nil {
			t.Fatalf("NextPage() error = %v", err)
		}
		sizes = append(sizes, len(page.Rows))
	}
	if !reflect.DeepEqual(sizes, []int{4, 2}) {
		t.Fatalf("page sizes = %v", sizes)
	}
	if !reflect.DeepEqual(client.maxResults, []int32{4, 4}) {
		t.Fatalf("MaxResults = %v", client.maxResults)
	}
}

func TestRunnerOverAthenaService(t *testing.T) {
	fake := &fakeClient{
		executionID: "qid-9",
		executionOutput: &athena.GetQueryExecutionOutput{
			QueryExecution: &types.QueryExecution{Status: &types.QueryExecutionStatus{State: types.QueryExecutionStateSucceeded}},
		},
		pages: map[string]*athena.GetQueryResultsOutput{
			"": {ResultSet: resultSet([]string{"a", "b"}, [][]*string{
				{aws.String("a"), aws.String("b")},
				{aws.String("1"), aws.String("x")},
				{aws.String("2"), aws.String("y")},
			})},
		},
	}
	service, _ := NewWithClient(fake)
	runner := &query.Runner{Service: service, Defaults: query.Params{Database: "db", OutputBucket: "b", OutputPath: "p"}}

	records, err := runner.FetchAll(context.Background(), "SELECT a,b FROM t", 0, 0, 0)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	want := []query.Record{{"a": "1", "b": "x"}, {"a": "2", "b": "y"}}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("FetchAll() = %#v, want %#v", records, want)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected region required error")
	}
	if _, err := New(context.Background(), Config{Region: "us-west-2", AccessKeyID: "only-key"}); err == nil {
		t.Fatal("expected partial credentials error")
	}
}

func TestNewUsesStaticCredentialsWhenSet(t *testing.T) {
	service, err := New(context.Background(), Config{Region: "us-west-2", Endpoint: "http://localhost:4566", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	options := service.client.(*athena.Client).Options()
	creds, err := options.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "k" || creds.SecretAccessKey != "s" {
		t.Fatalf("credentials = %#v", creds)
	}
	if aws.ToString(options.BaseEndpoint) != "http://localhost:4566" || options.Region != "us-west-2" {
		t.Fatalf("endpoint = %q, region = %q", aws.ToString(options.BaseEndpoint), options.Region)
	}
}

func TestNewFallsBackToDefaultCredentialChain(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "env-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	service, err := New(context.Background(), Config{Region: "eu-central-1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	options := service.client.(*athena.Client).Options()
	if options.Credentials == nil {
		t.Fatal("expected credentials provider from the default chain")
	}
	creds, err := options.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "env-key" {
		t.Fatalf("AccessKeyID = %q", creds.AccessKeyID)
	}
	if options.Region != "eu-central-1" {
		t.Fatalf("Region = %q", options.Region)
	}
}

func resultSet(columns []string, rows [][]*string) *types.ResultSet {
	info := make([]types.ColumnInfo, 0, len(columns))
	for _, name := range columns {
		info = append(info, types.ColumnInfo{Name: aws.String(name), Type: aws.String("varchar")})
	}
	out := &types.ResultSet{ResultSetMetadata: &types.ResultSetMetadata{ColumnInfo: info}}
	for _, row := range rows {
		data := make([]types.Datum, 0, len(row))
		for _, cell := range row {
			data = append(data, types.Datum{VarCharValue: cell})
		}
		out.Rows = append(out.Rows, types.Row{Data: data})
	}
	return out
}

type fakeClient struct {
	executionID     string
	startErr        error
	executionOutput *athena.GetQueryExecutionOutput
	pages           map[string]*athena.GetQueryResultsOutput

	lastStart  *athena.StartQueryExecutionInput
	maxResults []int32
}

func (f *fakeClient) StartQueryExecution(_ context.Context, params *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.lastStart = params
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String(f.executionID)}, nil
}

func (f *fakeClient) GetQueryExecution(_ context.Context, _ *athena.GetQueryExecutionInput, _ ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	return f.executionOutput, nil
}

func (f *fakeClient) GetQueryResults(_ context.Context, params *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	if params.MaxResults != nil {
		f.maxResults = append(f.maxResults, *params.MaxResults)
	}
	page, ok := f.pages[aws.ToString(params.NextToken)]
	if !ok {
		return nil, errors.New("unknown next token")
	}
	return page, nil
}

// rowsClient serves a header row plus dataRows numbered rows, honouring
// MaxResults the way the service does. NextToken is the next row offset.
type rowsClient struct {
	fakeClient
	column string
	rows   [][]*string
}

func newRowsClient(column string, dataRows int) *rowsClient {
	rows := [][]*string{{aws.String(column)}}
	for i := 1; i <= dataRows; i++ {
		rows = append(rows, []*string{aws.String(strconv.Itoa(i))})
	}
	return &rowsClient{column: column, rows: rows}
}

func (c *rowsClient) GetQueryResults(_ context.Context, params *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	limit := maxResultsPerCall
	if params.MaxResults != nil {
		c.maxResults = append(c.maxResults, *params.MaxResults)
		limit = int(*params.MaxResults)
	}
	offset := 0
	if token := aws.ToString(params.NextToken); token != "" {
		parsed, err := strconv.Atoi(token)
		if err != nil {
			return nil, err
		}
		offset = parsed
	}
	end := offset + limit
	if end > len(c.rows) {
		end = len(c.rows)
	}
	output := &athena.GetQueryResultsOutput{ResultSet: resultSet([]string{c.column}, c.rows[offset:end])}
	if end < len(c.rows) {
		output.NextToken = aws.String(strconv.Itoa(end))
	}
	return output, nil
}
