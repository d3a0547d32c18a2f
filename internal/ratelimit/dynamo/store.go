// Package dynamo implements the rate-limit store on DynamoDB. Request
// records and slot claims share one table keyed by partition and sort key,
// with a sparse global secondary index for priority-scoped window counts.
// Slot acquisition is a TransactWriteItems call pairing a conditional Put
// on the slot item with the request record, so admission and its evidence
// commit atomically. Aged items carry a TTL attribute as a janitor of last
// resort; every read still filters by timestamp.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	apperrors "rate-gate/internal/common/errors"
	"rate-gate/internal/common/logging"
	"rate-gate/internal/ratelimit"
)

// Table layout constants. The GSI is sparse: only prioritized records carry
// the index attributes.
const (
	attrPK            = "pk"
	attrSK            = "sk"
	attrGSIPK         = "gsipk"
	attrGSISK         = "gsisk"
	PriorityIndexName = "priority-index"

	cooldownSortKey = "COOLDOWN"
)

// Key condition and condition expressions, shared with the test fake.
const (
	keyCondBetween      = "pk = :pk AND sk BETWEEN :lo AND :hi"
	keyCondIndexBetween = "gsipk = :pk AND gsisk BETWEEN :lo AND :hi"
	slotClaimCondition  = "attribute_not_exists(pk) OR claimedAt < :cutoff"
)

// maxQueryPages caps count pagination so a corrupted cursor cannot loop
// forever.
const maxQueryPages = 1000

// batchWriteChunk is the BatchWriteItem request ceiling.
const batchWriteChunk = 25

// DynamoAPI is the slice of the DynamoDB client the store uses. Tests
// substitute an in-memory fake.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config carries the connection settings and the shared limiter options.
// The table (and its priority index) must already exist.
type Config struct {
	TableName string
	Region    string
	// Endpoint overrides the service endpoint, for DynamoDB Local.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	Options ratelimit.Options
}

func (c *Config) Validate() error {
	if c.TableName == "" {
		return apperrors.ConfigError("dynamo table name is required")
	}
	if c.Region == "" {
		return apperrors.ConfigError("dynamo region is required")
	}
	return nil
}

// Store is the DynamoDB-backed rate-limit backend.
type Store struct {
	*ratelimit.Base

	client DynamoAPI
	table  string
}

// NewStore builds the AWS client from the config and returns the store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, apperrors.InternalError("failed to load AWS config", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewStoreWithClient(client, cfg)
}

// NewStoreWithClient wires an existing client, which lets tests inject a
// fake and callers share a connection pool.
func NewStoreWithClient(client DynamoAPI, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{client: client, table: cfg.TableName}
	s.Base = ratelimit.NewBase(cfg.Options, s.hydrateActivity)
	s.Logger().Info("dynamo rate-limit store ready", logging.Field{Key: "table", Value: cfg.TableName})
	return s, nil
}

var _ ratelimit.Store = (*Store)(nil)

// translate maps SDK errors into the shared taxonomy. An unprovisioned
// table is surfaced as the actionable infrastructure error.
func (s *Store) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return apperrors.MissingTableError(s.table, err)
	}
	return apperrors.InternalError(op, err)
}

// isConditionalConflict reports whether err is the conditional-write
// failure signalling a lost slot race. Transactions surface it through the
// cancellation reasons.
func isConditionalConflict(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var failed *types.ConditionalCheckFailedException
	return errors.As(err, &failed)
}

type recordItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	TS        int64  `dynamodbav:"ts"`
	Priority  string `dynamodbav:"priority"`
	GSIPK     string `dynamodbav:"gsipk,omitempty"`
	GSISK     string `dynamodbav:"gsisk,omitempty"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

type slotItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	ClaimedAt int64  `dynamodbav:"claimedAt"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

type cooldownItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	UntilMs   int64  `dynamodbav:"untilMs"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

func (s *Store) newRecordItem(resource string, priority ratelimit.Priority, now time.Time, window time.Duration) recordItem {
	sk := ratelimit.RecordSortKey(now, uuid.NewString())
	item := recordItem{
		PK:        ratelimit.RecordPartition(resource),
		SK:        sk,
		TS:        now.UnixMilli(),
		Priority:  string(priority),
		ExpiresAt: now.Add(2 * window).Unix(),
	}
	if priority != "" {
		item.GSIPK = ratelimit.PriorityPartition(resource, priority)
		item.GSISK = sk
	}
	return item
}

func slotSortKey(slot int) string {
	return fmt.Sprintf("%06d", slot)
}

// CanProceed reports whether a request would currently be admitted.
func (s *Store) CanProceed(ctx context.Context, resource string, priority ratelimit.Priority) (bool, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return false, err
	}
	if cfg.Limit <= 0 {
		return false, nil
	}

	effLimit, paused, _ := s.Capacity(ctx, resource, cfg, priority)
	if paused && priority == ratelimit.PriorityBackground {
		return false, nil
	}

	count, err := s.windowCount(ctx, resource, s.Scope(priority), cfg)
	if err != nil {
		return false, err
	}
	return count < effLimit, nil
}

// Acquire reserves one admission slot with a conditional transaction.
func (s *Store) Acquire(ctx context.Context, resource string, priority ratelimit.Priority) (bool, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return false, err
	}

	effLimit, paused, _ := s.Capacity(ctx, resource, cfg, priority)
	if paused && priority == ratelimit.PriorityBackground {
		return false, nil
	}

	count, err := s.windowCount(ctx, resource, s.Scope(priority), cfg)
	if err != nil {
		return false, err
	}

	ok, err := s.AcquireSlots(ctx, cfg, effLimit, count, func(ctx context.Context, slot int) error {
		return s.claimSlot(ctx, resource, cfg, slot, priority)
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.Observe(ctx, resource, priority)
	}
	return ok, nil
}

// claimSlot pairs the conditional Put on the slot item with the request
// record in one transaction. The condition admits a slot that was never
// claimed or whose claim left the window.
func (s *Store) claimSlot(ctx context.Context, resource string, cfg ratelimit.Config, slot int, priority ratelimit.Priority) error {
	now := s.Clock().Now()

	slotAttrs, err := attributevalue.MarshalMap(slotItem{
		PK:        ratelimit.SlotPartition(resource, cfg.Window),
		SK:        slotSortKey(slot),
		ClaimedAt: now.UnixMilli(),
		ExpiresAt: now.Add(2 * cfg.Window).Unix(),
	})
	if err != nil {
		return apperrors.InternalError("failed to marshal slot item", err)
	}
	recordAttrs, err := attributevalue.MarshalMap(s.newRecordItem(resource, priority, now, cfg.Window))
	if err != nil {
		return apperrors.InternalError("failed to marshal record item", err)
	}

	cutoff := now.Add(-cfg.Window).UnixMilli()
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.table),
					Item:                slotAttrs,
					ConditionExpression: aws.String(slotClaimCondition),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":cutoff": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.table),
					Item:      recordAttrs,
				},
			},
		},
	})
	if err != nil {
		if isConditionalConflict(err) {
			return apperrors.ConflictError("slot already claimed")
		}
		return s.translate("failed to claim slot", err)
	}
	return nil
}

// Record logs a completed request without checking capacity.
func (s *Store) Record(ctx context.Context, resource string, priority ratelimit.Priority) error {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return err
	}

	attrs, err := attributevalue.MarshalMap(s.newRecordItem(resource, priority, s.Clock().Now(), cfg.Window))
	if err != nil {
		return apperrors.InternalError("failed to marshal record item", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      attrs,
	}); err != nil {
		return s.translate("failed to record request", err)
	}

	s.Observe(ctx, resource, priority)
	return nil
}

// Status returns the resource's remaining capacity and approximate reset time.
func (s *Store) Status(ctx context.Context, resource string, priority ratelimit.Priority) (ratelimit.Status, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return ratelimit.Status{}, err
	}

	effLimit, _, snap := s.Capacity(ctx, resource, cfg, priority)
	count, err := s.windowCount(ctx, resource, s.Scope(priority), cfg)
	if err != nil {
		return ratelimit.Status{}, err
	}

	return ratelimit.Status{
		Remaining: ratelimit.Remaining(effLimit, count),
		ResetTime: s.Clock().Now().Add(cfg.Window),
		Limit:     effLimit,
		Adaptive:  snap,
	}, nil
}

// WaitTime returns how long to wait before the next attempt can succeed.
func (s *Store) WaitTime(ctx context.Context, resource string, priority ratelimit.Priority) (time.Duration, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return 0, err
	}
	if cfg.Limit <= 0 {
		return cfg.Window, nil
	}

	effLimit, paused, _ := s.Capacity(ctx, resource, cfg, priority)
	if paused && priority == ratelimit.PriorityBackground {
		return s.RecalculationInterval(), nil
	}

	scope := s.Scope(priority)
	count, err := s.windowCount(ctx, resource, scope, cfg)
	if err != nil {
		return 0, err
	}
	if count < effLimit {
		return 0, nil
	}

	now := s.Clock().Now()
	oldest, found, err := s.oldestInWindow(ctx, resource, scope, cfg, now)
	if err != nil {
		return 0, err
	}
	return ratelimit.WaitFromOldest(oldest, found, cfg.Window, now), nil
}

// Reset deletes all records and slot claims for one resource. Slot claims
// are removed for the resource's currently configured window; claims left
// under an older window size age out through their TTL attribute.
func (s *Store) Reset(ctx context.Context, resource string) error {
	if _, err := s.Guard(resource, ""); err != nil {
		return err
	}

	cfg := s.ResourceConfig(resource)
	for _, partition := range []string{
		ratelimit.RecordPartition(resource),
		ratelimit.SlotPartition(resource, cfg.Window),
	} {
		if err := s.deletePartition(ctx, partition); err != nil {
			return err
		}
	}

	s.ForgetResource(resource)
	return nil
}

// Clear wipes the whole table. This walks every item, so it is an
// operational tool rather than a hot path.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.CheckDestroyed(); err != nil {
		return err
	}

	var start map[string]types.AttributeValue
	for page := 0; page < maxQueryPages; page++ {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ProjectionExpression: aws.String("pk, sk"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return s.translate("failed to scan table", err)
		}

		if err := s.batchDelete(ctx, out.Items); err != nil {
			return err
		}
		if out.LastEvaluatedKey == nil {
			s.ForgetAll()
			return nil
		}
		start = out.LastEvaluatedKey
	}
	return apperrors.InternalError("table scan did not converge", nil)
}

// Cleanup deletes every item whose TTL deadline has passed. DynamoDB's own
// TTL sweeper can lag by days; this reclaims capacity eagerly.
func (s *Store) Cleanup(ctx context.Context) error {
	if err := s.CheckDestroyed(); err != nil {
		return err
	}
	nowSec := s.Clock().Now().Unix()

	deleted := 0
	var start map[string]types.AttributeValue
	for page := 0; page < maxQueryPages; page++ {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return s.translate("failed to scan table", err)
		}

		expired := make([]map[string]types.AttributeValue, 0, len(out.Items))
		for _, item := range out.Items {
			var ttl struct {
				ExpiresAt int64 `dynamodbav:"expiresAt"`
			}
			if err := attributevalue.UnmarshalMap(item, &ttl); err != nil {
				continue
			}
			if ttl.ExpiresAt > 0 && ttl.ExpiresAt <= nowSec {
				expired = append(expired, item)
			}
		}
		if err := s.batchDelete(ctx, expired); err != nil {
			return err
		}
		deleted += len(expired)

		if out.LastEvaluatedKey == nil {
			s.Logger().Debug("cleanup finished", logging.Field{Key: "deleted", Value: deleted})
			return nil
		}
		start = out.LastEvaluatedKey
	}
	return apperrors.InternalError("table scan did not converge", nil)
}

// deletePartition removes every item under one partition key.
func (s *Store) deletePartition(ctx context.Context, partition string) error {
	var start map[string]types.AttributeValue
	for page := 0; page < maxQueryPages; page++ {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: partition},
			},
			ProjectionExpression: aws.String("pk, sk"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return s.translate("failed to list partition", err)
		}

		if err := s.batchDelete(ctx, out.Items); err != nil {
			return err
		}
		if out.LastEvaluatedKey == nil {
			return nil
		}
		start = out.LastEvaluatedKey
	}
	return apperrors.InternalError("partition listing did not converge", nil)
}

// batchDelete issues BatchWriteItem deletes in chunks of 25 keys.
func (s *Store) batchDelete(ctx context.Context, items []map[string]types.AttributeValue) error {
	for len(items) > 0 {
		chunk := items
		if len(chunk) > batchWriteChunk {
			chunk = items[:batchWriteChunk]
		}
		items = items[len(chunk):]

		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, item := range chunk {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						attrPK: item[attrPK],
						attrSK: item[attrSK],
					},
				},
			})
		}

		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: requests},
		})
		if err != nil {
			return s.translate("failed to batch delete", err)
		}
		// Throttled keys come back unprocessed and get retried with the
		// next chunk.
		if unprocessed := out.UnprocessedItems[s.table]; len(unprocessed) > 0 {
			for _, req := range unprocessed {
				if req.DeleteRequest != nil {
					items = append(items, req.DeleteRequest.Key)
				}
			}
		}
	}
	return nil
}

// SetCooldown marks an origin "do not send until" the given time.
func (s *Store) SetCooldown(ctx context.Context, origin string, until time.Time) error {
	if err := s.GuardOrigin(origin); err != nil {
		return err
	}

	attrs, err := attributevalue.MarshalMap(cooldownItem{
		PK:        ratelimit.CooldownKey(origin),
		SK:        cooldownSortKey,
		UntilMs:   until.UnixMilli(),
		ExpiresAt: until.Unix() + 1,
	})
	if err != nil {
		return apperrors.InternalError("failed to marshal cooldown item", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      attrs,
	}); err != nil {
		return s.translate("failed to set cooldown", err)
	}
	return nil
}

// Cooldown returns the active cooldown deadline, deleting stale items on read.
func (s *Store) Cooldown(ctx context.Context, origin string) (time.Time, bool, error) {
	if err := s.GuardOrigin(origin); err != nil {
		return time.Time{}, false, err
	}

	key := map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: ratelimit.CooldownKey(origin)},
		attrSK: &types.AttributeValueMemberS{Value: cooldownSortKey},
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, false, s.translate("failed to read cooldown", err)
	}
	if len(out.Item) == 0 {
		return time.Time{}, false, nil
	}

	var item cooldownItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return time.Time{}, false, apperrors.InternalError("malformed cooldown item", err)
	}

	until := time.UnixMilli(item.UntilMs)
	if !until.After(s.Clock().Now()) {
		if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       key,
		}); err != nil {
			return time.Time{}, false, s.translate("failed to expire cooldown", err)
		}
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// ClearCooldown removes an origin's cooldown unconditionally.
func (s *Store) ClearCooldown(ctx context.Context, origin string) error {
	if err := s.GuardOrigin(origin); err != nil {
		return err
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: ratelimit.CooldownKey(origin)},
			attrSK: &types.AttributeValueMemberS{Value: cooldownSortKey},
		},
	})
	return s.translate("failed to clear cooldown", err)
}

// Close destroys the store. The injected client is owned by the caller, so
// only in-process state is released. Idempotent.
func (s *Store) Close() error {
	if !s.MarkDestroyed() {
		return nil
	}
	s.ForgetAll()
	return nil
}

// windowQuery builds the range query for records inside the window,
// against the base table or the priority index depending on scope.
func (s *Store) windowQuery(resource string, scope ratelimit.Priority, cfg ratelimit.Config, now time.Time) *dynamodb.QueryInput {
	lower := ratelimit.SortKeyLowerBound(now.Add(-cfg.Window))
	upper := ratelimit.SortKeyUpperBound(now)

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String(keyCondBetween),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: ratelimit.RecordPartition(resource)},
			":lo": &types.AttributeValueMemberS{Value: lower},
			":hi": &types.AttributeValueMemberS{Value: upper},
		},
	}
	if scope != "" {
		input.IndexName = aws.String(PriorityIndexName)
		input.KeyConditionExpression = aws.String(keyCondIndexBetween)
		input.ExpressionAttributeValues[":pk"] = &types.AttributeValueMemberS{Value: ratelimit.PriorityPartition(resource, scope)}
	}
	return input
}

func (s *Store) windowCount(ctx context.Context, resource string, scope ratelimit.Priority, cfg ratelimit.Config) (int, error) {
	input := s.windowQuery(resource, scope, cfg, s.Clock().Now())
	input.Select = types.SelectCount

	total := 0
	for page := 0; page < maxQueryPages; page++ {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return 0, s.translate("failed to count window", err)
		}
		total += int(out.Count)
		if out.LastEvaluatedKey == nil {
			return total, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return 0, apperrors.InternalError("window count did not converge", nil)
}

func (s *Store) oldestInWindow(ctx context.Context, resource string, scope ratelimit.Priority, cfg ratelimit.Config, now time.Time) (time.Time, bool, error) {
	input := s.windowQuery(resource, scope, cfg, now)
	input.Limit = aws.Int32(1)
	input.ScanIndexForward = aws.Bool(true)

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return time.Time{}, false, s.translate("failed to find oldest record", err)
	}
	if len(out.Items) == 0 {
		return time.Time{}, false, nil
	}

	var item recordItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return time.Time{}, false, apperrors.InternalError("malformed record item", err)
	}
	return time.UnixMilli(item.TS), true, nil
}

// hydrateActivity reloads persisted per-priority timestamps so a fresh
// instance allocates against the activity its peers already saw.
func (s *Store) hydrateActivity(ctx context.Context, resource string, priority ratelimit.Priority, since time.Time, max int) ([]time.Time, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(PriorityIndexName),
		KeyConditionExpression: aws.String(keyCondIndexBetween),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: ratelimit.PriorityPartition(resource, priority)},
			":lo": &types.AttributeValueMemberS{Value: ratelimit.SortKeyLowerBound(since)},
			":hi": &types.AttributeValueMemberS{Value: ratelimit.SortKeyUpperBound(s.Clock().Now())},
		},
		Limit:            aws.Int32(int32(max)),
		ScanIndexForward: aws.Bool(true),
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, s.translate("failed to load activity history", err)
	}

	stamps := make([]time.Time, 0, len(out.Items))
	for _, raw := range out.Items {
		var item recordItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, apperrors.InternalError("malformed record item", err)
		}
		stamps = append(stamps, time.UnixMilli(item.TS))
	}
	return stamps, nil
}
