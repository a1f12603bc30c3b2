// Package awsutil holds the AWS session and error helpers shared by the
// DynamoDB state store, the Q Business index and the SSM credential
// provider.
package awsutil

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/nhle/mailindex-sync/internal/retry"
)

// NewSession builds a session from the default credential chain. Region
// and endpoint override the shared configuration when non-empty; the
// endpoint is used against local emulators.
func NewSession(region, endpoint string) (*session.Session, error) {
	cfg := aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return sess, nil
}

// transientCodes are AWS error codes worth retrying.
var transientCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"InternalServerError":                    true,
	"InternalServerException":                true,
	"ServiceUnavailable":                     true,
	"TransactionInProgressException":         true,
	request.ErrCodeRequestError:              true,
	request.ErrCodeResponseTimeout:           true,
}

// Code returns the AWS error code of err, or "" when err is not an AWS
// error.
func Code(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}

// Classify marks throttling, server side and network errors as transient.
// Other errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if transientCodes[Code(err)] {
		return retry.MarkTransient(err)
	}
	return err
}
