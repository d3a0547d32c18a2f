package dynamo

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient is an in-memory stand-in for the DynamoDB API surface the
// store uses. It understands exactly the expressions the store issues.
type fakeClient struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue

	// tableMissing makes every call fail like an unprovisioned table.
	tableMissing bool
	// pageSize forces pagination when > 0.
	pageSize int
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func strAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numAttr(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (f *fakeClient) putLocked(item map[string]types.AttributeValue) {
	pk, sk := strAttr(item, attrPK), strAttr(item, attrSK)
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = item
}

func (f *fakeClient) deleteLocked(pk, sk string) {
	if partition := f.items[pk]; partition != nil {
		delete(partition, sk)
		if len(partition) == 0 {
			delete(f.items, pk)
		}
	}
}

// ordered returns one partition's items sorted by sort key.
func (f *fakeClient) orderedLocked(pk string) []map[string]types.AttributeValue {
	partition := f.items[pk]
	keys := make([]string, 0, len(partition))
	for sk := range partition {
		keys = append(keys, sk)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, sk := range keys {
		out = append(out, partition[sk])
	}
	return out
}

// orderedByIndexLocked returns every item carrying the given gsipk, sorted
// by gsisk. The index is sparse, so unprioritized records never appear.
func (f *fakeClient) orderedByIndexLocked(gsipk string) []map[string]types.AttributeValue {
	var out []map[string]types.AttributeValue
	for _, partition := range f.items {
		for _, item := range partition {
			if strAttr(item, attrGSIPK) == gsipk {
				out = append(out, item)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strAttr(out[i], attrGSISK) < strAttr(out[j], attrGSISK)
	})
	return out
}

// page applies ExclusiveStartKey resumption, the page size and the query
// limit, returning the slice plus the LastEvaluatedKey when truncated.
func (f *fakeClient) page(all []map[string]types.AttributeValue, start map[string]types.AttributeValue, limit *int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	offset := 0
	if start != nil {
		pk, sk := strAttr(start, attrPK), strAttr(start, attrSK)
		for i, item := range all {
			if strAttr(item, attrPK) == pk && strAttr(item, attrSK) == sk {
				offset = i + 1
				break
			}
		}
	}
	rest := all[offset:]

	max := len(rest)
	if f.pageSize > 0 && f.pageSize < max {
		max = f.pageSize
	}
	if limit != nil && int(*limit) < max {
		max = int(*limit)
	}

	slice := rest[:max]
	if max < len(rest) {
		last := slice[len(slice)-1]
		return slice, map[string]types.AttributeValue{
			attrPK: last[attrPK],
			attrSK: last[attrSK],
		}
	}
	return slice, nil
}

func (f *fakeClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableMissing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}

	pk := strAttr(params.ExpressionAttributeValues, ":pk")
	var all []map[string]types.AttributeValue
	switch aws.ToString(params.KeyConditionExpression) {
	case "pk = :pk":
		all = f.orderedLocked(pk)
	case keyCondBetween:
		lo := strAttr(params.ExpressionAttributeValues, ":lo")
		hi := strAttr(params.ExpressionAttributeValues, ":hi")
		for _, item := range f.orderedLocked(pk) {
			if sk := strAttr(item, attrSK); sk >= lo && sk <= hi {
				all = append(all, item)
			}
		}
	case keyCondIndexBetween:
		lo := strAttr(params.ExpressionAttributeValues, ":lo")
		hi := strAttr(params.ExpressionAttributeValues, ":hi")
		for _, item := range f.orderedByIndexLocked(pk) {
			if sk := strAttr(item, attrGSISK); sk >= lo && sk <= hi {
				all = append(all, item)
			}
		}
	default:
		panic("unexpected key condition: " + aws.ToString(params.KeyConditionExpression))
	}

	slice, last := f.page(all, params.ExclusiveStartKey, params.Limit)
	out := &dynamodb.QueryOutput{Count: int32(len(slice)), LastEvaluatedKey: last}
	if params.Select != types.SelectCount {
		out.Items = slice
	}
	return out, nil
}

func (f *fakeClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableMissing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}

	pks := make([]string, 0, len(f.items))
	for pk := range f.items {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	var all []map[string]types.AttributeValue
	for _, pk := range pks {
		all = append(all, f.orderedLocked(pk)...)
	}

	slice, last := f.page(all, params.ExclusiveStartKey, nil)
	return &dynamodb.ScanOutput{Items: slice, Count: int32(len(slice)), LastEvaluatedKey: last}, nil
}

func (f *fakeClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableMissing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	f.putLocked(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableMissing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	pk, sk := strAttr(params.Key, attrPK), strAttr(params.Key, attrSK)
	if partition := f.items[pk]; partition != nil {
		if item, ok := partition[sk]; ok {
			return &dynamodb.GetItemOutput{Item: item}, nil
		}
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableMissing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	f.deleteLocked(strAttr(params.Key, attrPK), strAttr(params.Key, attrSK))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableMissing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	for _, requests := range params.RequestItems {
		for _, req := range requests {
			if req.DeleteRequest != nil {
				f.deleteLocked(strAttr(req.DeleteRequest.Key, attrPK), strAttr(req.DeleteRequest.Key, attrSK))
			}
			if req.PutRequest != nil {
				f.putLocked(req.PutRequest.Item)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableMissing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}

	// Check every condition before applying anything.
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, item := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if item.Put == nil || item.Put.ConditionExpression == nil {
			continue
		}
		if aws.ToString(item.Put.ConditionExpression) != slotClaimCondition {
			panic("unexpected condition: " + aws.ToString(item.Put.ConditionExpression))
		}
		pk, sk := strAttr(item.Put.Item, attrPK), strAttr(item.Put.Item, attrSK)
		existing := f.items[pk][sk]
		if existing == nil {
			continue
		}
		cutoff := numAttr(item.Put.ExpressionAttributeValues, ":cutoff")
		if numAttr(existing, "claimedAt") >= cutoff {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range params.TransactItems {
		if item.Put != nil {
			f.putLocked(item.Put.Item)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
