package athena

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/athenaq/athenaq/internal/query"
)

// maxResultsPerCall is the service-side cap on GetQueryResults MaxResults.
const maxResultsPerCall = 1000

var _ query.Service = (*Service)(nil)

type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type client interface {
	athena.GetQueryResultsAPIClient
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

// Service talks to Amazon Athena through the AWS SDK.
type Service struct {
	client client
}

// New builds a client from the default AWS credential chain (environment,
// shared config, instance and task roles). Static keys, when set, take
// precedence over the chain.
func New(ctx context.Context, cfg Config) (*Service, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, fmt.Errorf("athena region is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("athena access key id and secret must be set together")
		}
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := athena.NewFromConfig(awsCfg, func(o *athena.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Service{client: client}, nil
}

func NewWithClient(c client) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	return &Service{client: c}, nil
}

func (s *Service) StartQueryExecution(ctx context.Context, params query.Params) (query.ExecutionID, error) {
	executionContext := &types.QueryExecutionContext{Database: aws.String(params.Database)}
	if params.Catalog != "" {
		executionContext.Catalog = aws.String(params.Catalog)
	}
	input := &athena.StartQueryExecutionInput{
		QueryString:           aws.String(params.Query),
		QueryExecutionContext: executionContext,
		ResultConfiguration: &types.ResultConfiguration{
			OutputLocation: aws.String(params.OutputLocation()),
		},
	}
	if params.WorkGroup != "" {
		input.WorkGroup = aws.String(params.WorkGroup)
	}

	output, err := s.client.StartQueryExecution(ctx, input)
	if err != nil {
		return "", err
	}
	id := aws.ToString(output.QueryExecutionId)
	if id == "" {
		return "", fmt.Errorf("start query execution returned no execution id")
	}
	return query.ExecutionID(id), nil
}

func (s *Service) GetQueryExecution(ctx context.Context, id query.ExecutionID) (query.ExecutionStatus, error) {
	output, err := s.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
		QueryExecutionId: aws.String(string(id)),
	})
	if err != nil {
		return query.ExecutionStatus{}, err
	}
	if output == nil || output.QueryExecution == nil || output.QueryExecution.Status == nil {
		return query.ExecutionStatus{}, nil
	}
	status := output.QueryExecution.Status
	return query.ExecutionStatus{
		State:             query.ExecutionState(status.State),
		StateChangeReason: aws.ToString(status.StateChangeReason),
	}, nil
}

func (s *Service) GetQueryResults(ctx context.Context, id query.ExecutionID) (query.ResultSet, error) {
	output, err := s.client.GetQueryResults(ctx, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(string(id)),
	})
	if err != nil {
		return query.ResultSet{}, err
	}
	return convertResultSet(output.ResultSet), nil
}

// GetQueryResultPages serves pages of exactly pageSize rows (the last may be
// shorter). Sizes above the per-call limit are assembled from several calls.
func (s *Service) GetQueryResultPages(_ context.Context, id query.ExecutionID, pageSize int) query.ResultPager {
	limit := pageSize
	if limit <= 0 || limit > maxResultsPerCall {
		limit = maxResultsPerCall
	}
	paginator := athena.NewGetQueryResultsPaginator(s.client, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(string(id)),
	}, func(o *athena.GetQueryResultsPaginatorOptions) {
		o.Limit = int32(limit)
	})
	return &pager{paginator: paginator, pageSize: pageSize}
}

type pager struct {
	paginator *athena.GetQueryResultsPaginator
	pageSize  int
	columns   []string
	pending   [][]string
}

func (p *pager) HasMorePages() bool {
	return len(p.pending) > 0 || p.paginator.HasMorePages()
}

func (p *pager) NextPage(ctx context.Context) (query.ResultSet, error) {
	for p.paginator.HasMorePages() && (p.pageSize <= 0 || len(p.pending) < p.pageSize) {
		output, err := p.paginator.NextPage(ctx)
		if err != nil {
			return query.ResultSet{}, err
		}
		chunk := convertResultSet(output.ResultSet)
		if p.columns == nil {
			p.columns = chunk.Columns
		}
		p.pending = append(p.pending, chunk.Rows...)
		if p.pageSize <= 0 {
			break
		}
	}

	take := len(p.pending)
	if p.pageSize > 0 && take > p.pageSize {
		take = p.pageSize
	}
	rows := p.pending[:take:take]
	p.pending = p.pending[take:]
	return query.ResultSet{Columns: p.columns, Rows: rows}, nil
}

// convertResultSet flattens the SDK shape to text cells. NULL cells carry
// no VarCharValue and become the empty string.
func convertResultSet(rs *types.ResultSet) query.ResultSet {
	if rs == nil {
		return query.ResultSet{}
	}
	var columns []string
	if rs.ResultSetMetadata != nil {
		columns = make([]string, 0, len(rs.ResultSetMetadata.ColumnInfo))
		for _, column := range rs.ResultSetMetadata.ColumnInfo {
			columns = append(columns, aws.ToString(column.Name))
		}
	}
	rows := make([][]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		cells := make([]string, 0, len(row.Data))
		for _, datum := range row.Data {
			cells = append(cells, aws.ToString(datum.VarCharValue))
		}
		rows = append(rows, cells)
	}
	return query.ResultSet{Columns: columns, Rows: rows}
}
