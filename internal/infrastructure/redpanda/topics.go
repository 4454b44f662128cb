// Package redpanda carries drafts, verdicts and submission events over
// Redpanda using franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names
const (
	TopicDrafts      = "prescription.drafts"
	TopicVerdicts    = "prescription.verdicts"
	TopicSubmissions = "prescription.submissions"
	TopicAuditTrail  = "audit.trail"
	TopicDeadLetter  = "dead.letter"
)

// TopicSpec describes a topic to create
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	Compression       string
}

// Configs renders the topic-level configuration
func (s TopicSpec) Configs() map[string]*string {
	ptr := func(v string) *string { return &v }
	configs := map[string]*string{
		"cleanup.policy": ptr("delete"),
	}
	if s.Retention > 0 {
		configs["retention.ms"] = ptr(strconv.FormatInt(s.Retention.Milliseconds(), 10))
	}
	if s.Compression != "" {
		configs["compression.type"] = ptr(s.Compression)
	}
	return configs
}

// DefaultTopics returns the topics the services use. replication is applied
// to every topic (1 for local development, 3 in production).
func DefaultTopics(replication int16) []TopicSpec {
	if replication <= 0 {
		replication = 1
	}
	day := 24 * time.Hour
	return []TopicSpec{
		{Name: TopicDrafts, Partitions: 12, ReplicationFactor: replication, Retention: day, Compression: "lz4"},
		{Name: TopicVerdicts, Partitions: 12, ReplicationFactor: replication, Retention: 3 * day, Compression: "lz4"},
		{Name: TopicSubmissions, Partitions: 6, ReplicationFactor: replication, Retention: 7 * day, Compression: "lz4"},
		// retained for compliance review
		{Name: TopicAuditTrail, Partitions: 6, ReplicationFactor: replication, Retention: 30 * day, Compression: "lz4"},
		{Name: TopicDeadLetter, Partitions: 3, ReplicationFactor: replication, Retention: 7 * day},
	}
}

// Admin performs topic administration
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates every topic in specs, treating existing topics as success
func (a *Admin) EnsureTopics(ctx context.Context, specs []TopicSpec) error {
	for _, spec := range specs {
		resp, err := a.client.CreateTopics(ctx, spec.Partitions, spec.ReplicationFactor, spec.Configs(), spec.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", spec.Name, err)
		}
		for _, r := range resp {
			switch {
			case r.Err == nil:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", spec.Partitions))
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Info("topic already exists", zap.String("topic", r.Topic))
			default:
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
		}
	}
	return nil
}

// ListTopics lists topic names
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics.Names(), nil
}

// GroupLag returns per-partition lag for a consumer group
func (a *Admin) GroupLag(ctx context.Context, group string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	out := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if out[topic] == nil {
				out[topic] = make(map[int32]int64)
			}
			for p, lag := range partitions {
				out[topic][p] = lag.Lag
			}
		}
	})
	return out, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// Ping verifies broker connectivity
func Ping(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer cl.Close()

	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
