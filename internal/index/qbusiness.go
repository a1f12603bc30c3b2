package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/qbusiness"
	"github.com/aws/aws-sdk-go/service/qbusiness/qbusinessiface"
	"golang.org/x/time/rate"

	"github.com/nhle/mailindex-sync/internal/awsutil"
	"github.com/nhle/mailindex-sync/internal/model"
)

// QBusiness talks to an Amazon Q Business index through one custom data
// source. Every call waits on a shared rate limiter and runs under its
// own timeout.
type QBusiness struct {
	api         qbusinessiface.QBusinessAPI
	application string
	index       string
	dataSource  string
	limiter     *rate.Limiter
	timeout     time.Duration
	logger      *slog.Logger
}

// NewQBusiness creates the adapter from the configured ids.
func NewQBusiness(cfg model.IndexConfig, timeout time.Duration, logger *slog.Logger) (*QBusiness, error) {
	sess, err := awsutil.NewSession(cfg.Region, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	return NewQBusinessFrom(qbusiness.New(sess), cfg, timeout, logger), nil
}

// NewQBusinessFrom wraps an existing client.
func NewQBusinessFrom(api qbusinessiface.QBusinessAPI, cfg model.IndexConfig, timeout time.Duration, logger *slog.Logger) *QBusiness {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &QBusiness{
		api:         api,
		application: cfg.ApplicationID,
		index:       cfg.IndexID,
		dataSource:  cfg.DataSourceID,
		limiter:     rate.NewLimiter(limit, 1),
		timeout:     timeout,
		logger:      logger.With("component", "qbusiness"),
	}
}

// call waits for a rate token and bounds fn by the adapter timeout.
func (q *QBusiness) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return err
	}
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return fn(ctx)
}

// classify turns service errors into the package taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch awsutil.Code(err) {
	case qbusiness.ErrCodeConflictException:
		return &ConflictError{Message: err.Error(), Err: err}
	case qbusiness.ErrCodeValidationException:
		// Starting while a job runs is reported as a validation error by
		// some regions.
		if msg := strings.ToLower(err.Error()); strings.Contains(msg, "already syncing") || strings.Contains(msg, "sync job is running") {
			return &ConflictError{Message: err.Error(), Err: err}
		}
	case qbusiness.ErrCodeResourceNotFoundException:
		return fmt.Errorf("%w: %w", ErrJobNotFound, err)
	}
	return awsutil.Classify(err)
}

// classifyJobCall maps errors of document calls made under a sync job.
// A job that was stopped or never existed surfaces as ErrJobNotRunning.
func classifyJobCall(err error) error {
	switch awsutil.Code(err) {
	case qbusiness.ErrCodeResourceNotFoundException:
		return fmt.Errorf("%w: %w", ErrJobNotRunning, err)
	case qbusiness.ErrCodeValidationException:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "sync") &&
			(strings.Contains(msg, "not running") || strings.Contains(msg, "not active") || strings.Contains(msg, "datasourcesyncid")) {
			return fmt.Errorf("%w: %w", ErrJobNotRunning, err)
		}
	}
	return classify(err)
}

// BatchPut submits docs under jobID.
func (q *QBusiness) BatchPut(ctx context.Context, jobID string, docs []*model.NormalizedDocument) ([]FailedDocument, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if err := checkBatch(len(docs)); err != nil {
		return nil, err
	}
	input := &qbusiness.BatchPutDocumentInput{
		ApplicationId:    aws.String(q.application),
		IndexId:          aws.String(q.index),
		DataSourceSyncId: aws.String(jobID),
		Documents:        make([]*qbusiness.Document, 0, len(docs)),
	}
	for _, d := range docs {
		input.Documents = append(input.Documents, toDocument(d))
	}

	var out *qbusiness.BatchPutDocumentOutput
	err := q.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = q.api.BatchPutDocumentWithContext(ctx, input)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("putting %d documents: %w", len(docs), classifyJobCall(err))
	}
	return q.failures(out.FailedDocuments), nil
}

// BatchDelete removes ids under jobID.
func (q *QBusiness) BatchDelete(ctx context.Context, jobID string, ids []string) ([]FailedDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := checkBatch(len(ids)); err != nil {
		return nil, err
	}
	input := &qbusiness.BatchDeleteDocumentInput{
		ApplicationId:    aws.String(q.application),
		IndexId:          aws.String(q.index),
		DataSourceSyncId: aws.String(jobID),
		Documents:        make([]*qbusiness.DeleteDocument, 0, len(ids)),
	}
	for _, id := range ids {
		input.Documents = append(input.Documents, &qbusiness.DeleteDocument{DocumentId: aws.String(id)})
	}

	var out *qbusiness.BatchDeleteDocumentOutput
	err := q.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = q.api.BatchDeleteDocumentWithContext(ctx, input)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deleting %d documents: %w", len(ids), classifyJobCall(err))
	}
	return q.failures(out.FailedDocuments), nil
}

func (q *QBusiness) failures(in []*qbusiness.FailedDocument) []FailedDocument {
	out := make([]FailedDocument, 0, len(in))
	for _, f := range in {
		reason := "rejected"
		if f.Error != nil {
			reason = aws.StringValue(f.Error.ErrorCode) + ": " + aws.StringValue(f.Error.ErrorMessage)
		}
		q.logger.Warn("document rejected", "documentID", aws.StringValue(f.Id), "reason", reason)
		out = append(out, FailedDocument{ID: aws.StringValue(f.Id), Reason: reason})
	}
	return out
}

// StartSyncJob starts a data source sync job and returns its execution id.
func (q *QBusiness) StartSyncJob(ctx context.Context) (string, error) {
	var out *qbusiness.StartDataSourceSyncJobOutput
	err := q.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = q.api.StartDataSourceSyncJobWithContext(ctx, &qbusiness.StartDataSourceSyncJobInput{
			ApplicationId: aws.String(q.application),
			IndexId:       aws.String(q.index),
			DataSourceId:  aws.String(q.dataSource),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("starting sync job: %w", classify(err))
	}
	return aws.StringValue(out.ExecutionId), nil
}

// StopSyncJob stops the running job of the data source. The service
// stops by data source, so jobID is only checked against the running
// job when it is non-empty.
func (q *QBusiness) StopSyncJob(ctx context.Context, jobID string) error {
	if jobID != "" {
		job, err := q.SyncJobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.Running() {
			return nil
		}
	}
	err := q.call(ctx, func(ctx context.Context) error {
		_, err := q.api.StopDataSourceSyncJobWithContext(ctx, &qbusiness.StopDataSourceSyncJobInput{
			ApplicationId: aws.String(q.application),
			IndexId:       aws.String(q.index),
			DataSourceId:  aws.String(q.dataSource),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("stopping sync job %s: %w", jobID, classify(err))
	}
	return nil
}

// SyncJobStatus looks jobID up in the job history.
func (q *QBusiness) SyncJobStatus(ctx context.Context, jobID string) (Job, error) {
	jobs, err := q.ListSyncJobs(ctx, JobFilter{})
	if err != nil {
		return Job{}, err
	}
	for _, j := range jobs {
		if j.ID == jobID {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
}

// ListSyncJobs pages through the data source job history.
func (q *QBusiness) ListSyncJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	input := &qbusiness.ListDataSourceSyncJobsInput{
		ApplicationId: aws.String(q.application),
		IndexId:       aws.String(q.index),
		DataSourceId:  aws.String(q.dataSource),
	}
	// StatusFilter takes a single status and running spans two, so
	// RunningOnly is applied by filter.Match below.
	if !filter.Since.IsZero() {
		input.StartTime = aws.Time(filter.Since)
		input.EndTime = aws.Time(time.Now())
	}

	var jobs []Job
	for {
		var out *qbusiness.ListDataSourceSyncJobsOutput
		err := q.call(ctx, func(ctx context.Context) error {
			var err error
			out, err = q.api.ListDataSourceSyncJobsWithContext(ctx, input)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing sync jobs: %w", classify(err))
		}
		for _, h := range out.History {
			j := Job{
				ID:        aws.StringValue(h.ExecutionId),
				Status:    JobStatus(aws.StringValue(h.Status)),
				StartedAt: aws.TimeValue(h.StartTime),
				EndedAt:   aws.TimeValue(h.EndTime),
			}
			if h.Error != nil {
				j.Error = aws.StringValue(h.Error.ErrorMessage)
			}
			if filter.Match(j) {
				jobs = append(jobs, j)
			}
		}
		if aws.StringValue(out.NextToken) == "" {
			return jobs, nil
		}
		input.NextToken = out.NextToken
	}
}

func toDocument(d *model.NormalizedDocument) *qbusiness.Document {
	doc := &qbusiness.Document{
		Id:          aws.String(d.ID),
		Title:       aws.String(d.Title),
		ContentType: aws.String(qbusiness.ContentTypePlainText),
		Content:     &qbusiness.DocumentContent{Blob: []byte(d.Body)},
		Attributes:  make([]*qbusiness.DocumentAttribute, 0, len(d.Attributes)),
	}
	for _, a := range d.Attributes {
		v := &qbusiness.DocumentAttributeValue{}
		switch {
		case a.Value.String != nil:
			v.StringValue = a.Value.String
		case a.Value.Strings != nil:
			v.StringListValue = aws.StringSlice(a.Value.Strings)
		case a.Value.Date != nil:
			v.DateValue = a.Value.Date
		case a.Value.Long != nil:
			v.LongValue = a.Value.Long
		default:
			continue
		}
		doc.Attributes = append(doc.Attributes, &qbusiness.DocumentAttribute{Name: aws.String(a.Name), Value: v})
	}

	principals := make([]*qbusiness.Principal, 0, len(d.Access))
	for _, r := range d.Access {
		principals = append(principals, &qbusiness.Principal{
			User: &qbusiness.PrincipalUser{
				Id:             aws.String(r.Principal),
				Access:         aws.String(r.Access),
				MembershipType: aws.String(qbusiness.MembershipTypeIndex),
			},
		})
	}
	if len(principals) > 0 {
		doc.AccessConfiguration = &qbusiness.AccessConfiguration{
			AccessControls: []*qbusiness.AccessControl{{Principals: principals}},
		}
	}
	return doc
}

// IsNotFound reports whether err says the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
