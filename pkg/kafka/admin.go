package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/grafana/streamql/pkg/transport"
)

// A TopicEntry describes a topic to provision.
type TopicEntry struct {
	Name              string `json:"name" yaml:"name"`
	Partitions        int32  `json:"partitions" yaml:"partitions"`
	ReplicationFactor int16  `json:"replication_factor" yaml:"replication_factor"`
}

// Admin creates and inspects topics.
type Admin struct {
	client *kadm.Client
}

// NewAdmin returns a new Admin.
func NewAdmin(client *kadm.Client) *Admin {
	return &Admin{
		client: client,
	}
}

// Provision provisions each topic in entries. It returns an error if any
// topic could be not be created. Existing topics are left untouched.
func (a *Admin) Provision(ctx context.Context, entries []TopicEntry) error {
	for _, entry := range entries {
		err := a.CreateTopic(ctx, entry.Name, entry.Partitions, entry.ReplicationFactor)
		if err != nil && !errors.Is(err, transport.ErrTopicExists) {
			return fmt.Errorf("failed to provision topic %s: %w", entry.Name, err)
		}
	}
	return nil
}

// CreateTopic creates a Kafka topic.
func (a *Admin) CreateTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	resp, err := a.client.CreateTopics(ctx, partitions, replicationFactor, nil, topic)
	if err != nil {
		// err will be non-nil if the request could not be sent, or a response
		// was not received from the broker.
		return &transport.Error{Op: "create topic", Topic: topic, Err: err}
	}
	// err will be non-nil if the a request and response was received, but
	// the topic could not be created. For example, if the topic already exists.
	if err = resp.Error(); err != nil {
		if errors.Is(err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("%w: %s", transport.ErrTopicExists, topic)
		}
		return err
	}
	return nil
}

// Partitions returns the partition count of topic.
func (a *Admin) Partitions(ctx context.Context, topic string) (int, error) {
	details, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return 0, &transport.Error{Op: "list topics", Topic: topic, Err: err}
	}
	d, ok := details[topic]
	if !ok || errors.Is(d.Err, kerr.UnknownTopicOrPartition) {
		return 0, fmt.Errorf("%w: %s", transport.ErrTopicNotFound, topic)
	}
	if d.Err != nil {
		return 0, &transport.Error{Op: "list topics", Topic: topic, Err: d.Err}
	}
	return len(d.Partitions), nil
}

// EndOffset returns the offset the next record of a partition will get.
func (a *Admin) EndOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	offsets, err := a.client.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, &transport.Error{Op: "list offsets", Topic: topic, Err: err}
	}
	o, ok := offsets.Lookup(topic, partition)
	if !ok {
		return 0, fmt.Errorf("partition %d not found in end offsets for topic %s", partition, topic)
	}
	if o.Err != nil {
		return 0, &transport.Error{Op: "list offsets", Topic: topic, Err: o.Err}
	}
	return o.Offset, nil
}
