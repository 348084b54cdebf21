package notify

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	skpubsub "go.skia.org/infra/go/pubsub"
	"go.skia.org/infra/go/skerr"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PubSubPublisher implements Publisher on Cloud Pub/Sub. Topic handles are
// cached per topic name.
type PubSubPublisher struct {
	client *pubsub.Client

	mtx    sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubPublisher dials Cloud Pub/Sub for the given project.
func NewPubSubPublisher(ctx context.Context, project string, ts oauth2.TokenSource) (*PubSubPublisher, error) {
	skpubsub.EnsureNotEmulator()
	client, err := pubsub.NewClient(ctx, project, option.WithTokenSource(ts))
	if err != nil {
		return nil, skerr.Wrapf(err, "failed to create PubSub client for project %s", project)
	}
	return &PubSubPublisher{
		client: client,
		topics: map[string]*pubsub.Topic{},
	}, nil
}

func (p *PubSubPublisher) topic(name string) *pubsub.Topic {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Publish implements Publisher.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	res := p.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attrs,
	})
	if _, err := res.Get(ctx); err != nil {
		// A missing topic is a misconfigured request, not a transient
		// delivery failure; call it out so the outbox sweeper's retries
		// are understandable from the logs.
		if status.Code(err) == codes.NotFound {
			return skerr.Wrapf(err, "topic %s does not exist", topic)
		}
		return skerr.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

var _ Publisher = (*PubSubPublisher)(nil)
