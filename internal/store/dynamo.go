package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/nhle/mailindex-sync/internal/awsutil"
	"github.com/nhle/mailindex-sync/internal/model"
)

const (
	dynamoHashKey  = "account"
	dynamoRangeKey = "message_id"

	// dynamoBatchWriteLimit is the most requests BatchWriteItem accepts.
	dynamoBatchWriteLimit = 25

	// dynamoUnprocessedRetries bounds resubmission of throttled batch
	// writes.
	dynamoUnprocessedRetries = 5

	// dynamoMembersPartition is the hash key under which job memberships
	// live. It cannot collide with an account address.
	dynamoMembersPartition = "#sync-jobs"
)

// dynamoItem is the table layout. The account is the hash key, which
// makes per-account queries index lookups.
type dynamoItem struct {
	Account     string    `dynamodbav:"account"`
	MessageID   string    `dynamodbav:"message_id"`
	DocumentID  string    `dynamodbav:"document_id"`
	Folder      string    `dynamodbav:"folder"`
	ReceivedAt  time.Time `dynamodbav:"received_at"`
	Status      string    `dynamodbav:"status"`
	Attempts    int       `dynamodbav:"attempts"`
	ProcessedAt time.Time `dynamodbav:"processed_at"`
	Fingerprint string    `dynamodbav:"fingerprint"`
	LastError   string    `dynamodbav:"last_error"`
}

func toDynamoItem(rec model.MessageRecord) dynamoItem {
	return dynamoItem{
		Account:     rec.Account,
		MessageID:   rec.MessageID,
		DocumentID:  rec.DocumentID,
		Folder:      rec.Folder,
		ReceivedAt:  rec.ReceivedAt.UTC(),
		Status:      string(rec.Status),
		Attempts:    rec.Attempts,
		ProcessedAt: rec.ProcessedAt.UTC(),
		Fingerprint: rec.Fingerprint,
		LastError:   rec.LastError,
	}
}

func (it dynamoItem) record() model.MessageRecord {
	return model.MessageRecord{
		Account:     it.Account,
		MessageID:   it.MessageID,
		DocumentID:  it.DocumentID,
		Folder:      it.Folder,
		ReceivedAt:  it.ReceivedAt,
		Status:      model.RecordStatus(it.Status),
		Attempts:    it.Attempts,
		ProcessedAt: it.ProcessedAt,
		Fingerprint: it.Fingerprint,
		LastError:   it.LastError,
	}
}

// DynamoStore implements Store on a DynamoDB table.
type DynamoStore struct {
	api   dynamodbiface.DynamoDBAPI
	table string
}

// NewDynamoStore makes sure the table exists and is ACTIVE. A table
// created concurrently by another worker counts as success.
func NewDynamoStore(
	ctx context.Context,
	api dynamodbiface.DynamoDBAPI,
	table string,
) (*DynamoStore, error) {
	s := &DynamoStore{api: api, table: table}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DynamoStore) ensureTable(ctx context.Context) error {
	describe := &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}

	_, err := s.api.DescribeTableWithContext(ctx, describe)
	if err == nil {
		return nil
	}
	if awsutil.Code(err) != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("describing table %s: %w", s.table, awsutil.Classify(err))
	}

	_, err = s.api.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(dynamoHashKey), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String(dynamoRangeKey), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(dynamoHashKey), KeyType: aws.String(dynamodb.KeyTypeHash)},
			{AttributeName: aws.String(dynamoRangeKey), KeyType: aws.String(dynamodb.KeyTypeRange)},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil && awsutil.Code(err) != dynamodb.ErrCodeResourceInUseException {
		return fmt.Errorf("creating table %s: %w", s.table, awsutil.Classify(err))
	}

	if err := s.api.WaitUntilTableExistsWithContext(ctx, describe); err != nil {
		return fmt.Errorf("waiting for table %s: %w", s.table, awsutil.Classify(err))
	}
	return nil
}

func (s *DynamoStore) key(key model.RecordKey) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		dynamoHashKey:  {S: aws.String(key.Account)},
		dynamoRangeKey: {S: aws.String(key.MessageID)},
	}
}

// Exists reports whether a record exists for key.
func (s *DynamoStore) Exists(ctx context.Context, key model.RecordKey) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Get returns the record for key, or nil when there is none.
func (s *DynamoStore) Get(ctx context.Context, key model.RecordKey) (*model.MessageRecord, error) {
	out, err := s.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", key.MessageID, awsutil.Classify(err))
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it dynamoItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key.MessageID, err)
	}
	rec := it.record()
	return &rec, nil
}

// QueryByAccount returns every record of account through a key
// condition on the hash key.
func (s *DynamoStore) QueryByAccount(ctx context.Context, account string) ([]model.MessageRecord, error) {
	var records []model.MessageRecord
	var decodeErr error

	err := s.api.QueryPagesWithContext(ctx, s.accountQuery(account, false),
		func(page *dynamodb.QueryOutput, _ bool) bool {
			var items []dynamoItem
			if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &items); err != nil {
				decodeErr = err
				return false
			}
			for _, it := range items {
				records = append(records, it.record())
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("querying records for %s: %w", account, awsutil.Classify(err))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding records for %s: %w", account, decodeErr)
	}
	return records, nil
}

func (s *DynamoStore) accountQuery(account string, keysOnly bool) *dynamodb.QueryInput {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#a = :a"),
		ExpressionAttributeNames: map[string]*string{
			"#a": aws.String(dynamoHashKey),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":a": {S: aws.String(account)},
		},
		ConsistentRead: aws.Bool(true),
	}
	if keysOnly {
		in.ExpressionAttributeNames["#m"] = aws.String(dynamoRangeKey)
		in.ProjectionExpression = aws.String("#a, #m")
	}
	return in
}

// Upsert writes rec, replacing any item with the same key.
func (s *DynamoStore) Upsert(ctx context.Context, rec model.MessageRecord) error {
	item, err := dynamodbattribute.MarshalMap(toDynamoItem(rec))
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.MessageID, err)
	}
	_, err = s.api.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.MessageID, awsutil.Classify(err))
	}
	return nil
}

// Delete removes the item for key. DynamoDB deletes are idempotent.
func (s *DynamoStore) Delete(ctx context.Context, key model.RecordKey) error {
	_, err := s.api.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(key),
	})
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", key.MessageID, awsutil.Classify(err))
	}
	return nil
}

// DeleteAccount removes every item of account with batched deletes.
func (s *DynamoStore) DeleteAccount(ctx context.Context, account string) (int, error) {
	var keys []map[string]*dynamodb.AttributeValue
	err := s.api.QueryPagesWithContext(ctx, s.accountQuery(account, true),
		func(page *dynamodb.QueryOutput, _ bool) bool {
			for _, item := range page.Items {
				keys = append(keys, map[string]*dynamodb.AttributeValue{
					dynamoHashKey:  item[dynamoHashKey],
					dynamoRangeKey: item[dynamoRangeKey],
				})
			}
			return true
		})
	if err != nil {
		return 0, fmt.Errorf("listing records for %s: %w", account, awsutil.Classify(err))
	}

	deleted := 0
	for start := 0; start < len(keys); start += dynamoBatchWriteLimit {
		end := min(start+dynamoBatchWriteLimit, len(keys))
		requests := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			requests = append(requests, &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{Key: k},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return deleted, err
		}
		deleted += len(requests)
	}
	return deleted, nil
}

// batchWrite submits requests and resubmits unprocessed ones a bounded
// number of times.
func (s *DynamoStore) batchWrite(ctx context.Context, requests []*dynamodb.WriteRequest) error {
	pending := map[string][]*dynamodb.WriteRequest{s.table: requests}
	for attempt := 0; attempt <= dynamoUnprocessedRetries; attempt++ {
		out, err := s.api.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return fmt.Errorf("batch deleting records: %w", awsutil.Classify(err))
		}
		if len(out.UnprocessedItems[s.table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems

		timer := time.NewTimer(time.Duration(50<<attempt) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("batch deleting records: %d requests left unprocessed", len(pending[s.table]))
}

// dynamoMember is a job membership stored in the records table. Its range
// key is "<job>#<worker>".
type dynamoMember struct {
	Partition string    `dynamodbav:"account"`
	Key       string    `dynamodbav:"message_id"`
	JobID     string    `dynamodbav:"job_id"`
	WorkerID  string    `dynamodbav:"worker_id"`
	Owner     bool      `dynamodbav:"owner"`
	Heartbeat time.Time `dynamodbav:"heartbeat"`
}

func memberKey(jobID, workerID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		dynamoHashKey:  {S: aws.String(dynamoMembersPartition)},
		dynamoRangeKey: {S: aws.String(jobID + "#" + workerID)},
	}
}

// RegisterMember writes the membership item, replacing the previous
// heartbeat.
func (s *DynamoStore) RegisterMember(ctx context.Context, m model.JobMember) error {
	item, err := dynamodbattribute.MarshalMap(dynamoMember{
		Partition: dynamoMembersPartition,
		Key:       m.JobID + "#" + m.WorkerID,
		JobID:     m.JobID,
		WorkerID:  m.WorkerID,
		Owner:     m.Owner,
		Heartbeat: m.HeartbeatAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding member %s: %w", m.WorkerID, err)
	}
	_, err = s.api.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("registering %s under job %s: %w", m.WorkerID, m.JobID, awsutil.Classify(err))
	}
	return nil
}

// allMembers reads the whole membership partition. It holds one item per
// live worker, so a query is cheap.
func (s *DynamoStore) allMembers(ctx context.Context) ([]model.JobMember, error) {
	var members []model.JobMember
	var decodeErr error
	err := s.api.QueryPagesWithContext(ctx, s.accountQuery(dynamoMembersPartition, false),
		func(page *dynamodb.QueryOutput, _ bool) bool {
			var items []dynamoMember
			if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &items); err != nil {
				decodeErr = err
				return false
			}
			for _, it := range items {
				members = append(members, model.JobMember{
					JobID:       it.JobID,
					WorkerID:    it.WorkerID,
					Owner:       it.Owner,
					HeartbeatAt: it.Heartbeat,
				})
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("querying job members: %w", awsutil.Classify(err))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding job members: %w", decodeErr)
	}
	return members, nil
}

// JobMembers returns the registrations of jobID.
func (s *DynamoStore) JobMembers(ctx context.Context, jobID string) ([]model.JobMember, error) {
	all, err := s.allMembers(ctx)
	if err != nil {
		return nil, err
	}
	var members []model.JobMember
	for _, m := range all {
		if m.JobID == jobID {
			members = append(members, m)
		}
	}
	return members, nil
}

// RemoveMember deletes one membership item.
func (s *DynamoStore) RemoveMember(ctx context.Context, jobID, workerID string) error {
	_, err := s.api.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       memberKey(jobID, workerID),
	})
	if err != nil {
		return fmt.Errorf("removing %s from job %s: %w", workerID, jobID, awsutil.Classify(err))
	}
	return nil
}

// RemoveStaleMembers deletes memberships that last beat before cutoff.
func (s *DynamoStore) RemoveStaleMembers(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := s.allMembers(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range all {
		if !m.HeartbeatAt.Before(cutoff) {
			continue
		}
		if err := s.RemoveMember(ctx, m.JobID, m.WorkerID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (s *DynamoStore) Close() error { return nil }
