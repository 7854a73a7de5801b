package facade

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/message"
	"github.com/szibis/logship/internal/retry"
)

// CloudWatch Logs service limits for PutLogEvents.
const (
	cloudWatchMaxBatchBytes = 1_048_576
	cloudWatchMaxBatchCount = 10_000
	// Fixed per-event overhead the service adds to the payload size.
	cloudWatchEventOverhead = 26
)

// ensureTimeout bounds how long destination discovery waits for a
// just-created resource to become visible.
const ensureTimeout = 30 * time.Second

var (
	logGroupNameRE  = regexp.MustCompile(`^[\.\-_/#A-Za-z0-9]{1,512}$`)
	logStreamNameRE = regexp.MustCompile(`^[^:*]{1,512}$`)
)

// validRetentionDays are the values PutRetentionPolicy accepts.
var validRetentionDays = map[int32]bool{
	1: true, 3: true, 5: true, 7: true, 14: true, 30: true, 60: true,
	90: true, 120: true, 150: true, 180: true, 365: true, 400: true,
	545: true, 731: true, 1096: true, 1827: true, 2192: true, 2557: true,
	2922: true, 3288: true, 3653: true,
}

// CloudWatchAPI is the subset of the CloudWatch Logs client the facade
// uses. Tests substitute a mock.
type CloudWatchAPI interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchConfig identifies a sequenced-stream destination.
type CloudWatchConfig struct {
	// LogGroup and LogStream name the destination.
	LogGroup  string
	LogStream string
	// RetentionDays applies a retention policy to a group this writer
	// creates (0 = never expire).
	RetentionDays int32
	// AutoCreate creates missing groups/streams instead of failing.
	AutoCreate bool
	// DedicatedWriter marks this writer as the stream's only producer,
	// allowing the sequence token to be cached between sends instead of
	// re-fetched before every call.
	DedicatedWriter bool
}

// CloudWatch ships batches to a CloudWatch Logs stream. The stream's
// sequence token is the ordering token: it is obtained at discovery time,
// refreshed on every successful send, and invalidated when the service
// reports a conflict with another writer.
type CloudWatch struct {
	cfg     CloudWatchConfig
	client  CloudWatchAPI
	retrier *retry.Manager
	log     *logging.Logger

	// seqToken is only touched by the dispatch loop (or a synchronous
	// sender holding the writer's batch lock).
	seqToken *string
}

// NewCloudWatch creates the sequenced-stream facade.
func NewCloudWatch(cfg CloudWatchConfig, client CloudWatchAPI, retrier *retry.Manager, log *logging.Logger) *CloudWatch {
	return &CloudWatch{cfg: cfg, client: client, retrier: retrier, log: log}
}

// Description implements Facade.
func (f *CloudWatch) Description() string {
	return fmt.Sprintf("cloudwatch:%s/%s", f.cfg.LogGroup, f.cfg.LogStream)
}

// EnsureDestinationAvailable implements Facade.
func (f *CloudWatch) EnsureDestinationAvailable(ctx context.Context) error {
	if !logGroupNameRE.MatchString(f.cfg.LogGroup) {
		return configError("illegal log group name %q", f.cfg.LogGroup)
	}
	if !logStreamNameRE.MatchString(f.cfg.LogStream) {
		return configError("illegal log stream name %q", f.cfg.LogStream)
	}
	if f.cfg.RetentionDays != 0 && !validRetentionDays[f.cfg.RetentionDays] {
		return configError("illegal retention period %d days", f.cfg.RetentionDays)
	}

	if err := f.ensureGroup(ctx); err != nil {
		return err
	}
	return f.ensureStream(ctx)
}

func (f *CloudWatch) ensureGroup(ctx context.Context) error {
	found, err := f.findGroup(ctx)
	if err != nil {
		return classify(err)
	}
	if found {
		return nil
	}
	if !f.cfg.AutoCreate {
		return configError("log group %q does not exist and auto-create is disabled", f.cfg.LogGroup)
	}

	f.log.Info("creating log group", logging.F("group", f.cfg.LogGroup))
	_, err = f.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(f.cfg.LogGroup),
	})
	if err != nil {
		// A concurrent writer won the create race; that is success.
		var exists *types.ResourceAlreadyExistsException
		if !errors.As(err, &exists) {
			return classify(err)
		}
	}

	if f.cfg.RetentionDays > 0 {
		_, err = f.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(f.cfg.LogGroup),
			RetentionInDays: aws.Int32(f.cfg.RetentionDays),
		})
		if err != nil {
			ce := classify(err)
			if ce.Kind == KindInvalidConfiguration {
				return ce
			}
			// Retention is best-effort after creation; the group works
			// without it.
			f.log.Warn("failed to set retention policy", logging.F(
				"group", f.cfg.LogGroup,
				"error", err.Error(),
			))
		}
	}

	// Creation is eventually consistent; wait for the group to be visible.
	return f.waitVisible(ctx, func() (bool, error) { return f.findGroup(ctx) })
}

func (f *CloudWatch) ensureStream(ctx context.Context) error {
	stream, err := f.findStream(ctx)
	if err != nil {
		return classify(err)
	}
	if stream != nil {
		f.seqToken = stream.UploadSequenceToken
		return nil
	}
	if !f.cfg.AutoCreate {
		return configError("log stream %q does not exist and auto-create is disabled", f.cfg.LogStream)
	}

	f.log.Info("creating log stream", logging.F("group", f.cfg.LogGroup, "stream", f.cfg.LogStream))
	_, err = f.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(f.cfg.LogGroup),
		LogStreamName: aws.String(f.cfg.LogStream),
	})
	if err != nil {
		var exists *types.ResourceAlreadyExistsException
		if !errors.As(err, &exists) {
			return classify(err)
		}
	}

	f.seqToken = nil // fresh stream accepts the first write without a token
	return f.waitVisible(ctx, func() (bool, error) {
		stream, err := f.findStream(ctx)
		return stream != nil, err
	})
}

// waitVisible retries a lookup until the just-created resource shows up.
func (f *CloudWatch) waitVisible(ctx context.Context, lookup func() (bool, error)) error {
	notVisible := errors.New("not yet visible")
	err := f.retrier.Invoke(ctx, ensureTimeout, func() error {
		found, err := lookup()
		if err != nil {
			return classify(err)
		}
		if !found {
			return notVisible
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, notVisible) || Retryable(err)
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (f *CloudWatch) findGroup(ctx context.Context) (bool, error) {
	input := &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(f.cfg.LogGroup),
	}
	for {
		out, err := f.client.DescribeLogGroups(ctx, input)
		if err != nil {
			return false, err
		}
		for _, g := range out.LogGroups {
			if aws.ToString(g.LogGroupName) == f.cfg.LogGroup {
				return true, nil
			}
		}
		if out.NextToken == nil {
			return false, nil
		}
		input.NextToken = out.NextToken
	}
}

func (f *CloudWatch) findStream(ctx context.Context) (*types.LogStream, error) {
	input := &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(f.cfg.LogGroup),
		LogStreamNamePrefix: aws.String(f.cfg.LogStream),
	}
	for {
		out, err := f.client.DescribeLogStreams(ctx, input)
		if err != nil {
			return nil, err
		}
		for i := range out.LogStreams {
			if aws.ToString(out.LogStreams[i].LogStreamName) == f.cfg.LogStream {
				return &out.LogStreams[i], nil
			}
		}
		if out.NextToken == nil {
			return nil, nil
		}
		input.NextToken = out.NextToken
	}
}

// EffectiveSize implements Facade.
func (f *CloudWatch) EffectiveSize(msg *message.Message) int {
	return msg.Size() + cloudWatchEventOverhead
}

// WithinServiceLimits implements Facade.
func (f *CloudWatch) WithinServiceLimits(batchBytes, batchCount int) bool {
	return batchBytes <= cloudWatchMaxBatchBytes && batchCount <= cloudWatchMaxBatchCount
}

// Send implements Facade. CloudWatch accepts or rejects the batch as a
// whole, so the failed subset is always empty: a rejection surfaces as a
// classified error and the writer requeues the entire batch.
func (f *CloudWatch) Send(ctx context.Context, batch []*message.Message) ([]*message.Message, error) {
	events := make([]types.InputLogEvent, len(batch))
	for i, m := range batch {
		events[i] = types.InputLogEvent{
			Timestamp: aws.Int64(m.Timestamp),
			Message:   aws.String(string(m.Body)),
		}
	}
	// The service requires events in chronological order regardless of
	// arrival order.
	sort.SliceStable(events, func(i, j int) bool {
		return aws.ToInt64(events[i].Timestamp) < aws.ToInt64(events[j].Timestamp)
	})

	if f.seqToken == nil || !f.cfg.DedicatedWriter {
		stream, err := f.findStream(ctx)
		if err != nil {
			return nil, classify(err)
		}
		if stream == nil {
			return nil, &Error{Kind: KindMissingDestination, Code: "ResourceNotFoundException",
				Err: fmt.Errorf("log stream %q disappeared", f.cfg.LogStream)}
		}
		f.seqToken = stream.UploadSequenceToken
	}

	out, err := f.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(f.cfg.LogGroup),
		LogStreamName: aws.String(f.cfg.LogStream),
		LogEvents:     events,
		SequenceToken: f.seqToken,
	})
	if err != nil {
		return nil, f.classifySend(err)
	}

	f.seqToken = out.NextSequenceToken
	if out.RejectedLogEventsInfo != nil {
		// Rejected events (too old, too new, expired) cannot succeed on
		// retry; report and move on.
		f.log.Warn("service rejected events in batch", logging.F(
			"too_old_end", aws.ToInt32(out.RejectedLogEventsInfo.TooOldLogEventEndIndex),
			"too_new_start", aws.ToInt32(out.RejectedLogEventsInfo.TooNewLogEventStartIndex),
			"expired_end", aws.ToInt32(out.RejectedLogEventsInfo.ExpiredLogEventEndIndex),
		))
	}
	return nil, nil
}

// classifySend normalizes a PutLogEvents error and maintains the cached
// sequence token across conflicts.
func (f *CloudWatch) classifySend(err error) *Error {
	var invalidToken *types.InvalidSequenceTokenException
	if errors.As(err, &invalidToken) {
		// Another writer advanced the stream. Adopt the token the
		// service expects so the single in-place retry can succeed.
		f.seqToken = invalidToken.ExpectedSequenceToken
	}
	var accepted *types.DataAlreadyAcceptedException
	if errors.As(err, &accepted) {
		f.seqToken = accepted.ExpectedSequenceToken
	}
	ce := classify(err)
	if ce.Kind == KindMissingDestination {
		f.seqToken = nil
	}
	return ce
}

// Shutdown implements Facade. The SDK client holds no resources that need
// explicit release.
func (f *CloudWatch) Shutdown() error { return nil }
