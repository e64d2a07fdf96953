package jobevents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type PulsarConfig struct {
	URL               string `validate:"required"`
	Topic             string `validate:"required"`
	ConnectionTimeout time.Duration
	SendTimeout       time.Duration
	// Events that may wait for the broker before SendAsync blocks.
	MaxPendingMessages int `validate:"gte=0"`
}

// PulsarPublisher sends events to a pulsar topic, keyed by job id so that the events of a job stay ordered within a
// partition.
type PulsarPublisher struct {
	client   pulsar.Client
	producer pulsar.Producer
}

func NewPulsarPublisher(config PulsarConfig) (*PulsarPublisher, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               config.URL,
		ConnectionTimeout: config.ConnectionTimeout,
		Logger:            pulsarlog.NewLoggerWithLogrus(log.StandardLogger()),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating pulsar client")
	}
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:                   config.Topic,
		SendTimeout:             config.SendTimeout,
		MaxPendingMessages:      config.MaxPendingMessages,
		CompressionType:         pulsar.ZSTD,
		BatchingMaxPublishDelay: 100 * time.Millisecond,
	})
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "creating pulsar producer for %s", config.Topic)
	}
	return &PulsarPublisher{client: client, producer: producer}, nil
}

func (p *PulsarPublisher) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithField("jobId", event.JobId).WithError(err).Error("encoding job event")
		return
	}
	msg := &pulsar.ProducerMessage{
		Payload:   payload,
		Key:       event.JobId,
		EventTime: event.Time,
		Properties: map[string]string{
			"state": event.State.String(),
		},
	}
	p.producer.SendAsync(context.Background(), msg, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
		if err != nil {
			log.WithField("jobId", event.JobId).WithError(err).Warn("publishing job event")
		}
	})
}

func (p *PulsarPublisher) Close() error {
	var result *multierror.Error
	if err := p.producer.Flush(); err != nil {
		result = multierror.Append(result, errors.WithStack(err))
	}
	p.producer.Close()
	p.client.Close()
	return result.ErrorOrNil()
}
