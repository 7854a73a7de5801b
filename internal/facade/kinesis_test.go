package facade

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/szibis/logship/internal/message"
)

// mockKinesis simulates a Kinesis stream with programmable per-record
// failures.
type mockKinesis struct {
	status     types.StreamStatus
	exists     bool
	created    bool
	describes  int
	activateAt int // describe call count at which the stream turns ACTIVE

	// raceOnCreate simulates a concurrent writer winning the create:
	// CreateStream returns ResourceInUse but the stream starts existing.
	raceOnCreate bool

	failIdx map[int]string // record index -> error code for next PutRecords
	putErr  error
	sent    [][]types.PutRecordsRequestEntry
}

func (m *mockKinesis) DescribeStreamSummary(ctx context.Context, in *kinesis.DescribeStreamSummaryInput, _ ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error) {
	m.describes++
	if !m.exists {
		return nil, &types.ResourceNotFoundException{}
	}
	status := m.status
	if m.activateAt > 0 && m.describes >= m.activateAt {
		status = types.StreamStatusActive
	}
	return &kinesis.DescribeStreamSummaryOutput{
		StreamDescriptionSummary: &types.StreamDescriptionSummary{StreamStatus: status},
	}, nil
}

func (m *mockKinesis) CreateStream(ctx context.Context, in *kinesis.CreateStreamInput, _ ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error) {
	if m.raceOnCreate {
		m.exists = true
		m.status = types.StreamStatusCreating
		return nil, &types.ResourceInUseException{}
	}
	if m.exists {
		return nil, &types.ResourceInUseException{}
	}
	m.exists = true
	m.created = true
	m.status = types.StreamStatusCreating
	return &kinesis.CreateStreamOutput{}, nil
}

func (m *mockKinesis) PutRecords(ctx context.Context, in *kinesis.PutRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
	if m.putErr != nil {
		err := m.putErr
		m.putErr = nil
		return nil, err
	}
	m.sent = append(m.sent, in.Records)

	out := &kinesis.PutRecordsOutput{FailedRecordCount: aws.Int32(0)}
	var failures int32
	for i := range in.Records {
		rec := types.PutRecordsResultEntry{SequenceNumber: aws.String("seq")}
		if code, ok := m.failIdx[i]; ok {
			rec = types.PutRecordsResultEntry{ErrorCode: aws.String(code)}
			failures++
		}
		out.Records = append(out.Records, rec)
	}
	out.FailedRecordCount = aws.Int32(failures)
	m.failIdx = nil
	return out, nil
}

func newTestKinesis(mock *mockKinesis, cfg KinesisConfig) *Kinesis {
	return NewKinesis(cfg, mock, testRetrier(), testLog())
}

func kmsg(body string) *message.Message {
	return message.New(time.Now(), []byte(body))
}

func TestKinesis_EnsureExistingActiveStream(t *testing.T) {
	mock := &mockKinesis{exists: true, status: types.StreamStatusActive}
	f := newTestKinesis(mock, KinesisConfig{StreamName: "orders"})

	if err := f.EnsureDestinationAvailable(context.Background()); err != nil {
		t.Fatalf("EnsureDestinationAvailable() error = %v", err)
	}
	if mock.created {
		t.Error("existing stream must not be recreated")
	}
}

func TestKinesis_EnsureCreatesAndWaitsForActive(t *testing.T) {
	mock := &mockKinesis{activateAt: 3}
	f := newTestKinesis(mock, KinesisConfig{StreamName: "orders", AutoCreate: true, ShardCount: 2})

	if err := f.EnsureDestinationAvailable(context.Background()); err != nil {
		t.Fatalf("EnsureDestinationAvailable() error = %v", err)
	}
	if !mock.created {
		t.Error("stream was not created")
	}
	if mock.describes < 3 {
		t.Errorf("describes = %d, expected polling until ACTIVE", mock.describes)
	}
}

func TestKinesis_EnsureConcurrentCreateIsSuccess(t *testing.T) {
	// The stream does not exist at describe time, but another writer
	// creates it first: CreateStream returns ResourceInUse. That must be
	// treated as success once the stream goes ACTIVE.
	mock := &mockKinesis{raceOnCreate: true, activateAt: 3}
	f := newTestKinesis(mock, KinesisConfig{StreamName: "orders", AutoCreate: true})

	if err := f.EnsureDestinationAvailable(context.Background()); err != nil {
		t.Fatalf("EnsureDestinationAvailable() error = %v", err)
	}
	if mock.created {
		t.Error("this writer must not have created the stream")
	}
}

func TestKinesis_EnsureMissingWithoutAutoCreate(t *testing.T) {
	f := newTestKinesis(&mockKinesis{}, KinesisConfig{StreamName: "orders"})
	err := f.EnsureDestinationAvailable(context.Background())
	if KindOf(err) != KindInvalidConfiguration {
		t.Errorf("KindOf(err) = %s, want invalid_configuration", KindOf(err))
	}
}

func TestKinesis_EnsureRejectsIllegalName(t *testing.T) {
	f := newTestKinesis(&mockKinesis{}, KinesisConfig{StreamName: "no spaces allowed"})
	err := f.EnsureDestinationAvailable(context.Background())
	if KindOf(err) != KindInvalidConfiguration {
		t.Errorf("KindOf(err) = %s, want invalid_configuration", KindOf(err))
	}
}

func TestKinesis_SendFullSuccess(t *testing.T) {
	mock := &mockKinesis{exists: true, status: types.StreamStatusActive}
	f := newTestKinesis(mock, KinesisConfig{StreamName: "orders", PartitionKey: "pk"})

	batch := []*message.Message{kmsg("a"), kmsg("b"), kmsg("c")}
	failed, err := f.Send(context.Background(), batch)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %d, want 0", len(failed))
	}
	if got := len(mock.sent[0]); got != 3 {
		t.Errorf("sent %d records, want 3", got)
	}
	if aws.ToString(mock.sent[0][0].PartitionKey) != "pk" {
		t.Errorf("partition key = %q, want pk", aws.ToString(mock.sent[0][0].PartitionKey))
	}
}

func TestKinesis_SendPartialFailureKeepsOrder(t *testing.T) {
	mock := &mockKinesis{
		exists: true, status: types.StreamStatusActive,
		failIdx: map[int]string{1: "ProvisionedThroughputExceededException", 3: "InternalFailure"},
	}
	f := newTestKinesis(mock, KinesisConfig{StreamName: "orders"})

	batch := []*message.Message{kmsg("m0"), kmsg("m1"), kmsg("m2"), kmsg("m3")}
	failed, err := f.Send(context.Background(), batch)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed = %d messages, want 2", len(failed))
	}
	if string(failed[0].Body) != "m1" || string(failed[1].Body) != "m3" {
		t.Errorf("failed subset = [%s %s], want [m1 m3] in original order",
			failed[0].Body, failed[1].Body)
	}
}

func TestKinesis_SendWholeCallThrottled(t *testing.T) {
	mock := &mockKinesis{exists: true, status: types.StreamStatusActive}
	mock.putErr = apiErr("ProvisionedThroughputExceededException")
	f := newTestKinesis(mock, KinesisConfig{StreamName: "orders"})

	_, err := f.Send(context.Background(), []*message.Message{kmsg("m")})
	if KindOf(err) != KindThrottling {
		t.Errorf("KindOf(err) = %s, want throttling", KindOf(err))
	}
}

func TestKinesis_RandomPartitionKeys(t *testing.T) {
	mock := &mockKinesis{exists: true, status: types.StreamStatusActive}
	f := newTestKinesis(mock, KinesisConfig{StreamName: "orders"})

	if _, err := f.Send(context.Background(), []*message.Message{kmsg("a"), kmsg("b")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	k0 := aws.ToString(mock.sent[0][0].PartitionKey)
	k1 := aws.ToString(mock.sent[0][1].PartitionKey)
	if k0 == k1 {
		t.Error("random partition keys must differ between records")
	}
	if len(k0) != kinesisRandomKeyLength {
		t.Errorf("random key length = %d, want %d (size accounting depends on it)", len(k0), kinesisRandomKeyLength)
	}
}

func TestKinesis_EffectiveSize(t *testing.T) {
	f := newTestKinesis(&mockKinesis{}, KinesisConfig{StreamName: "s", PartitionKey: "key"})
	if got := f.EffectiveSize(kmsg("12345")); got != 5+3 {
		t.Errorf("EffectiveSize = %d, want 8", got)
	}

	frand := newTestKinesis(&mockKinesis{}, KinesisConfig{StreamName: "s"})
	if got := frand.EffectiveSize(kmsg("12345")); got != 5+kinesisRandomKeyLength {
		t.Errorf("EffectiveSize = %d, want %d", got, 5+kinesisRandomKeyLength)
	}
}

func TestKinesis_WithinServiceLimits(t *testing.T) {
	f := newTestKinesis(&mockKinesis{}, KinesisConfig{StreamName: "s"})
	if !f.WithinServiceLimits(kinesisMaxBatchBytes, kinesisMaxBatchCount) {
		t.Error("batch at the limits must be accepted")
	}
	if f.WithinServiceLimits(1, kinesisMaxBatchCount+1) {
		t.Error("batch over the record-count limit must be rejected")
	}
}
