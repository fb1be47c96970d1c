package handler

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"chat-archiver/internal/usecase"
)

var modify = string(events.DynamoDBOperationTypeModify)

// stringAttr returns the string value of key, or "" when the attribute is
// absent or not a string.
func stringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	v, ok := image[key]
	if !ok || v.DataType() != events.DataTypeString {
		return ""
	}
	return v.String()
}

// correlationID prefers the Lambda request id so log lines can be joined with
// the platform's own records.
func correlationID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return newUUID()
}

// withRequestLogger derives the per-invocation logger and stores it on the
// context for the services.
func withRequestLogger(ctx context.Context, base *slog.Logger) (context.Context, *slog.Logger) {
	log := base.With("correlation_id", correlationID(ctx))
	return usecase.ContextWithLogger(ctx, log), log
}

var newUUID = func() string {
	return uuid.NewString()
}
