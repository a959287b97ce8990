package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/fleetlink/fleet-gateway/internal/config"
	"github.com/fleetlink/fleet-gateway/internal/models"
)

// Key attributes shared by the three record tables. The sort key is
// "<unix millis, zero padded>#<record id>" so it orders by time and
// never collides for two records in the same millisecond.
const (
	dynamoPartitionKey = "pk"
	dynamoSortKey      = "sk"
)

// DynamoAPI is the subset of the DynamoDB client the store uses
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoTimeseriesStore keeps the fact records in DynamoDB tables
type DynamoTimeseriesStore struct {
	client DynamoAPI
	tables config.DynamoDBConfig
}

// NewDynamoTimeseriesStore builds a store from the default AWS credential chain
func NewDynamoTimeseriesStore(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoTimeseriesStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewDynamoTimeseriesStoreWithClient(client, cfg), nil
}

// NewDynamoTimeseriesStoreWithClient wraps an existing client
func NewDynamoTimeseriesStoreWithClient(client DynamoAPI, cfg config.DynamoDBConfig) *DynamoTimeseriesStore {
	return &DynamoTimeseriesStore{client: client, tables: cfg}
}

// Close is a no-op; the SDK client holds no connections to release
func (s *DynamoTimeseriesStore) Close() error { return nil }

// InsertTelemetry appends a telemetry record
func (s *DynamoTimeseriesStore) InsertTelemetry(ctx context.Context, record *models.TelemetryRecord) error {
	return s.put(ctx, s.tables.TelemetryTable, record.DeviceID, record.Timestamp, record.ID, record)
}

// InsertHealth appends a health record
func (s *DynamoTimeseriesStore) InsertHealth(ctx context.Context, record *models.HealthRecord) error {
	return s.put(ctx, s.tables.HealthTable, record.DeviceID, record.Timestamp, record.ID, record)
}

// InsertMissionStatus appends a mission status record
func (s *DynamoTimeseriesStore) InsertMissionStatus(ctx context.Context, record *models.MissionStatusRecord) error {
	return s.put(ctx, s.tables.MissionStatusTable, record.MissionID, record.Timestamp, record.ID, record)
}

// put writes an item once; a replay of the same record id is a no-op
func (s *DynamoTimeseriesStore) put(ctx context.Context, table, pk string, ts time.Time, id string, record interface{}) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", record, err)
	}

	item[dynamoPartitionKey] = &types.AttributeValueMemberS{Value: pk}
	item[dynamoSortKey] = &types.AttributeValueMemberS{Value: sortKey(ts, id)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": dynamoPartitionKey,
		},
	})
	if err != nil {
		var exists *types.ConditionalCheckFailedException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("put item into %s: %w", table, err)
	}

	return nil
}

// FindTelemetry returns a device's telemetry in range, newest first
func (s *DynamoTimeseriesStore) FindTelemetry(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.TelemetryRecord, error) {
	var records []*models.TelemetryRecord
	err := s.query(ctx, s.tables.TelemetryTable, deviceID, r, limit, &records)
	return records, err
}

// FindHealth returns a device's health records in range, newest first
func (s *DynamoTimeseriesStore) FindHealth(ctx context.Context, deviceID string, r TimeRange, limit int) ([]*models.HealthRecord, error) {
	var records []*models.HealthRecord
	err := s.query(ctx, s.tables.HealthTable, deviceID, r, limit, &records)
	return records, err
}

// FindMissionStatus returns a mission's status history in range, newest first
func (s *DynamoTimeseriesStore) FindMissionStatus(ctx context.Context, missionID string, r TimeRange, limit int) ([]*models.MissionStatusRecord, error) {
	var records []*models.MissionStatusRecord
	err := s.query(ctx, s.tables.MissionStatusTable, missionID, r, limit, &records)
	return records, err
}

// query pages through a partition between the range bounds and
// unmarshals up to limit items into out
func (s *DynamoTimeseriesStore) query(ctx context.Context, table, pk string, r TimeRange, limit int, out interface{}) error {
	limit = normalizeLimit(limit)

	lower := sortKeyPrefix(r.Start)
	upper := sortKeyPrefix(r.End) + "#\uffff"
	if r.End.IsZero() {
		upper = "\uffff"
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("#pk = :pk AND #sk BETWEEN :lower AND :upper"),
		ExpressionAttributeNames: map[string]string{
			"#pk": dynamoPartitionKey,
			"#sk": dynamoSortKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: pk},
			":lower": &types.AttributeValueMemberS{Value: lower},
			":upper": &types.AttributeValueMemberS{Value: upper},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var items []map[string]types.AttributeValue
	for len(items) < limit {
		input.Limit = aws.Int32(int32(limit - len(items)))

		output, err := s.client.Query(ctx, input)
		if err != nil {
			return fmt.Errorf("query %s: %w", table, err)
		}

		items = append(items, output.Items...)
		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}

	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("unmarshal %s items: %w", table, err)
	}
	return nil
}

// sortKeyPrefix renders t as fixed-width epoch millis so that string order
// matches time order. Times before 1970 collapse to 0; a "-" would sort
// outside every query range.
func sortKeyPrefix(t time.Time) string {
	ms := t.UnixMilli()
	if t.IsZero() || ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%013d", ms)
}

func sortKey(t time.Time, id string) string {
	return sortKeyPrefix(t) + "#" + id
}
