package facade

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/message"
	"github.com/szibis/logship/internal/retry"
)

// snsMaxMessageBytes is the Publish payload ceiling. SNS has no batch API
// for this path, so batches are always a single message.
const snsMaxMessageBytes = 256 * 1024

var snsTopicNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,256}$`)

// SNSAPI is the subset of the SNS client the facade uses.
type SNSAPI interface {
	ListTopics(ctx context.Context, params *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig identifies a pub/sub topic destination.
type SNSConfig struct {
	// TopicName is resolved to an ARN at discovery time. TopicArn may be
	// given instead to skip the lookup.
	TopicName string
	TopicArn  string
	// Subject is attached to every published message when set.
	Subject    string
	AutoCreate bool
}

// SNS publishes messages one at a time to a topic.
type SNS struct {
	cfg     SNSConfig
	client  SNSAPI
	retrier *retry.Manager
	log     *logging.Logger

	topicArn string
}

// NewSNS creates the pub/sub-topic facade.
func NewSNS(cfg SNSConfig, client SNSAPI, retrier *retry.Manager, log *logging.Logger) *SNS {
	return &SNS{cfg: cfg, client: client, retrier: retrier, log: log, topicArn: cfg.TopicArn}
}

// Description implements Facade.
func (f *SNS) Description() string {
	if f.cfg.TopicName != "" {
		return fmt.Sprintf("sns:%s", f.cfg.TopicName)
	}
	return fmt.Sprintf("sns:%s", f.cfg.TopicArn)
}

// EnsureDestinationAvailable implements Facade.
func (f *SNS) EnsureDestinationAvailable(ctx context.Context) error {
	if f.topicArn != "" {
		return nil
	}
	if !snsTopicNameRE.MatchString(f.cfg.TopicName) {
		return configError("illegal topic name %q", f.cfg.TopicName)
	}

	arn, err := f.findTopic(ctx)
	if err != nil {
		return classify(err)
	}
	if arn != "" {
		f.topicArn = arn
		return nil
	}
	if !f.cfg.AutoCreate {
		return configError("topic %q does not exist and auto-create is disabled", f.cfg.TopicName)
	}

	// CreateTopic is idempotent: a concurrent create returns the same ARN.
	f.log.Info("creating topic", logging.F("topic", f.cfg.TopicName))
	out, err := f.client.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(f.cfg.TopicName),
	})
	if err != nil {
		return classify(err)
	}
	f.topicArn = aws.ToString(out.TopicArn)
	return nil
}

// findTopic resolves the configured topic name to an ARN by paging through
// the account's topics.
func (f *SNS) findTopic(ctx context.Context) (string, error) {
	suffix := ":" + f.cfg.TopicName
	input := &sns.ListTopicsInput{}
	for {
		out, err := f.client.ListTopics(ctx, input)
		if err != nil {
			return "", err
		}
		for _, t := range out.Topics {
			arn := aws.ToString(t.TopicArn)
			if strings.HasSuffix(arn, suffix) {
				return arn, nil
			}
		}
		if out.NextToken == nil {
			return "", nil
		}
		input.NextToken = out.NextToken
	}
}

// EffectiveSize implements Facade.
func (f *SNS) EffectiveSize(msg *message.Message) int {
	return msg.Size()
}

// WithinServiceLimits implements Facade. One message per batch.
func (f *SNS) WithinServiceLimits(batchBytes, batchCount int) bool {
	return batchBytes <= snsMaxMessageBytes && batchCount <= 1
}

// Send implements Facade. The batch holds exactly one message by
// construction; the send either fully succeeds or surfaces a classified
// error.
func (f *SNS) Send(ctx context.Context, batch []*message.Message) ([]*message.Message, error) {
	for _, m := range batch {
		input := &sns.PublishInput{
			TopicArn: aws.String(f.topicArn),
			Message:  aws.String(string(m.Body)),
		}
		if f.cfg.Subject != "" {
			input.Subject = aws.String(f.cfg.Subject)
		}
		if _, err := f.client.Publish(ctx, input); err != nil {
			return nil, classify(err)
		}
	}
	return nil, nil
}

// Shutdown implements Facade.
func (f *SNS) Shutdown() error { return nil }
