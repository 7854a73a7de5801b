package facade

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"

	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/message"
	"github.com/szibis/logship/internal/retry"
)

// Kinesis service limits for PutRecords.
const (
	kinesisMaxBatchBytes = 5 * 1024 * 1024
	kinesisMaxBatchCount = 500
	// Length of a random partition key (UUID string form), used for size
	// accounting when no fixed key is configured.
	kinesisRandomKeyLength = 36
)

var kinesisStreamNameRE = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)

// KinesisAPI is the subset of the Kinesis client the facade uses.
type KinesisAPI interface {
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	CreateStream(ctx context.Context, params *kinesis.CreateStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error)
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// KinesisConfig identifies a partition-keyed stream destination.
type KinesisConfig struct {
	StreamName string
	// PartitionKey routes all records to one shard when set; when empty,
	// every message gets a random key for even shard distribution.
	PartitionKey string
	// ShardCount applies when this writer creates the stream.
	ShardCount int32
	AutoCreate bool
}

// Kinesis ships batches to a Kinesis stream via PutRecords, surfacing
// per-record failures as the retryable subset.
type Kinesis struct {
	cfg     KinesisConfig
	client  KinesisAPI
	retrier *retry.Manager
	log     *logging.Logger
}

// NewKinesis creates the partition-keyed-stream facade.
func NewKinesis(cfg KinesisConfig, client KinesisAPI, retrier *retry.Manager, log *logging.Logger) *Kinesis {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	return &Kinesis{cfg: cfg, client: client, retrier: retrier, log: log}
}

// Description implements Facade.
func (f *Kinesis) Description() string {
	return fmt.Sprintf("kinesis:%s", f.cfg.StreamName)
}

// EnsureDestinationAvailable implements Facade.
func (f *Kinesis) EnsureDestinationAvailable(ctx context.Context) error {
	if !kinesisStreamNameRE.MatchString(f.cfg.StreamName) {
		return configError("illegal stream name %q", f.cfg.StreamName)
	}

	status, err := f.streamStatus(ctx)
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return classify(err)
		}
		if !f.cfg.AutoCreate {
			return configError("stream %q does not exist and auto-create is disabled", f.cfg.StreamName)
		}
		f.log.Info("creating stream", logging.F(
			"stream", f.cfg.StreamName,
			"shards", f.cfg.ShardCount,
		))
		_, err = f.client.CreateStream(ctx, &kinesis.CreateStreamInput{
			StreamName: aws.String(f.cfg.StreamName),
			ShardCount: aws.Int32(f.cfg.ShardCount),
		})
		if err != nil {
			// ResourceInUse means a concurrent writer is already
			// creating it; fall through to the ACTIVE wait.
			var inUse *types.ResourceInUseException
			if !errors.As(err, &inUse) {
				return classify(err)
			}
		}
	} else if status == types.StreamStatusActive || status == types.StreamStatusUpdating {
		return nil
	}

	return f.waitActive(ctx)
}

// waitActive polls until the stream reaches ACTIVE. Creation and recovery
// from deletion both pass through transitional states.
func (f *Kinesis) waitActive(ctx context.Context) error {
	notActive := errors.New("stream not yet active")
	err := f.retrier.Invoke(ctx, ensureTimeout, func() error {
		status, err := f.streamStatus(ctx)
		if err != nil {
			var notFound *types.ResourceNotFoundException
			if errors.As(err, &notFound) {
				// Visible lag after CreateStream.
				return notActive
			}
			return classify(err)
		}
		if status != types.StreamStatusActive && status != types.StreamStatusUpdating {
			return notActive
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, notActive) || Retryable(err)
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (f *Kinesis) streamStatus(ctx context.Context) (types.StreamStatus, error) {
	out, err := f.client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: aws.String(f.cfg.StreamName),
	})
	if err != nil {
		return "", err
	}
	return out.StreamDescriptionSummary.StreamStatus, nil
}

// EffectiveSize implements Facade. The partition key counts against the
// service's payload limit alongside the record data.
func (f *Kinesis) EffectiveSize(msg *message.Message) int {
	keyLen := len(f.cfg.PartitionKey)
	if keyLen == 0 {
		keyLen = kinesisRandomKeyLength
	}
	return msg.Size() + keyLen
}

// WithinServiceLimits implements Facade.
func (f *Kinesis) WithinServiceLimits(batchBytes, batchCount int) bool {
	return batchBytes <= kinesisMaxBatchBytes && batchCount <= kinesisMaxBatchCount
}

// Send implements Facade. PutRecords can fail per record; the failed
// records are returned in their original relative order for requeue.
func (f *Kinesis) Send(ctx context.Context, batch []*message.Message) ([]*message.Message, error) {
	entries := make([]types.PutRecordsRequestEntry, len(batch))
	for i, m := range batch {
		entries[i] = types.PutRecordsRequestEntry{
			Data:         m.Body,
			PartitionKey: aws.String(f.partitionKey()),
		}
	}

	out, err := f.client.PutRecords(ctx, &kinesis.PutRecordsInput{
		StreamName: aws.String(f.cfg.StreamName),
		Records:    entries,
	})
	if err != nil {
		return nil, classify(err)
	}

	if aws.ToInt32(out.FailedRecordCount) == 0 {
		return nil, nil
	}

	var failed []*message.Message
	var lastCode string
	for i, rec := range out.Records {
		if rec.ErrorCode != nil {
			failed = append(failed, batch[i])
			lastCode = aws.ToString(rec.ErrorCode)
		}
	}
	f.log.Warn("stream rejected records in batch", logging.F(
		"failed", len(failed),
		"total", len(batch),
		"error_code", lastCode,
	))
	return failed, nil
}

func (f *Kinesis) partitionKey() string {
	if f.cfg.PartitionKey != "" {
		return f.cfg.PartitionKey
	}
	return uuid.NewString()
}

// Shutdown implements Facade.
func (f *Kinesis) Shutdown() error { return nil }
