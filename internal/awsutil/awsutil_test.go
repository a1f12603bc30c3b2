package awsutil

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/nhle/mailindex-sync/internal/retry"
)

func TestClassify(t *testing.T) {
	throttled := awserr.New("ThrottlingException", "slow down", nil)
	if retry.Classify(Classify(throttled)) != retry.Transient {
		t.Error("throttling should be transient")
	}

	validation := awserr.New("ValidationException", "bad input", nil)
	if retry.Classify(Classify(validation)) != retry.Fatal {
		t.Error("validation errors should stay fatal")
	}

	if Classify(nil) != nil {
		t.Error("nil must stay nil")
	}

	if Code(errors.New("plain")) != "" {
		t.Error("plain errors have no code")
	}
	if Code(validation) != "ValidationException" {
		t.Errorf("Code = %q", Code(validation))
	}
}
