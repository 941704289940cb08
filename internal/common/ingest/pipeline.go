package ingest

import (
	gocontext "context"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/common/pulsarutils"
)

// HasPulsarMessageIds should be implemented by structs that can store a batch of pulsar message ids
// This is needed so we can pass message Ids down the pipeline and ack them at the end
type HasPulsarMessageIds interface {
	GetMessageIDs() []pulsar.MessageID
}

// InstructionConverter should be implemented by structs that can convert a batch of raw pulsar
// messages into an object suitable for passing to the sink
type InstructionConverter[T HasPulsarMessageIds] interface {
	Convert(ctx *appcontext.Context, batch []pulsar.Message) T
}

// Sink should be implemented by the struct responsible for putting the data in its final resting
// place. The sink is responsible for retrying failed attempts and should only return an error
// when it is satisfied that the operation cannot be retried.
type Sink[T HasPulsarMessageIds] interface {
	Store(ctx *appcontext.Context, batch T) error
}

// IngestionPipeline is a pipeline that reads messages from pulsar and inserts them into a sink.
// The pipeline will handle the following automatically:
//   - Receiving messages from pulsar
//   - Combining messages into batches for efficient processing
//   - Acking processed messages
//
// Callers must supply an InstructionConverter for deserializing raw messages and a Sink capable
// of exhausting the converted objects.
type IngestionPipeline[T HasPulsarMessageIds] struct {
	pulsarConfig      pulsarutils.PulsarConfig
	topics            []string
	subscriptionName  string
	batchSize         int
	batchDuration     time.Duration
	subscriptionType  pulsar.SubscriptionType
	converter         InstructionConverter[T]
	sink              Sink[T]
	onConnectionError func()
	consumer          pulsar.Consumer // for test purposes only
}

func NewIngestionPipeline[T HasPulsarMessageIds](
	pulsarConfig pulsarutils.PulsarConfig,
	topics []string,
	subscriptionName string,
	batchSize int,
	batchDuration time.Duration,
	subscriptionType pulsar.SubscriptionType,
	converter InstructionConverter[T],
	sink Sink[T],
	onConnectionError func(),
) *IngestionPipeline[T] {
	return &IngestionPipeline[T]{
		pulsarConfig:      pulsarConfig,
		topics:            topics,
		subscriptionName:  subscriptionName,
		batchSize:         batchSize,
		batchDuration:     batchDuration,
		subscriptionType:  subscriptionType,
		converter:         converter,
		sink:              sink,
		onConnectionError: onConnectionError,
	}
}

// Run will run the ingestion pipeline until the supplied context is shut down
func (p *IngestionPipeline[T]) Run(ctx *appcontext.Context) error {
	// Waitgroup that will fire when the pipeline has been torn down
	wg := &sync.WaitGroup{}
	wg.Add(1)

	if p.consumer == nil {
		consumer, closePulsar, err := p.subscribe()
		if err != nil {
			return err
		}
		p.consumer = consumer
		defer closePulsar()
	}
	pulsarMsgs := pulsarutils.Receive(
		ctx,
		p.consumer,
		p.pulsarConfig.ReceiveTimeout,
		p.pulsarConfig.BackoffTime,
		p.onConnectionError,
	)

	// Set up a context that cancels shortly after ctx. This gives the rest of the pipeline a
	// chance to flush pending messages.
	shutdownCtx, cancel := appcontext.WithCancel(appcontext.New(gocontext.Background(), ctx.Log))
	go func() {
		<-ctx.Done()
		time.Sleep(2 * p.batchDuration)
		ctx.Log.Infof("Waited for %v: forcing cancel", 2*p.batchDuration)
		cancel()
	}()

	// Batch up messages
	batchedMsgs := make(chan []pulsar.Message)
	batcher := NewBatcher[pulsar.Message](pulsarMsgs, p.batchSize, p.batchDuration, func(b []pulsar.Message) { batchedMsgs <- b })
	go func() {
		batcher.Run(shutdownCtx)
		close(batchedMsgs)
	}()

	// Convert to sink instructions
	instructions := make(chan T)
	go func() {
		for batch := range batchedMsgs {
			instructions <- p.converter.Convert(shutdownCtx, batch)
		}
		close(instructions)
	}()

	// Publish messages to sink then ACK on pulsar
	go func() {
		for batch := range instructions {
			// The sink is responsible for retrying any messages so if we get an error here
			// we know we can give up and just ACK the ids
			start := time.Now()
			err := p.sink.Store(shutdownCtx, batch)
			taken := time.Since(start)
			if err != nil {
				ctx.Log.WithError(err).Warn("Error storing batch")
			} else {
				ctx.Log.Infof("Stored %d pulsar messages in %dms", len(batch.GetMessageIDs()), taken.Milliseconds())
			}
			if errors.Is(err, gocontext.DeadlineExceeded) {
				// This occurs when we're shutting down- it's a signal to stop processing immediately
				break
			}
			for _, msgId := range batch.GetMessageIDs() {
				p.ackWithRetry(shutdownCtx, msgId)
			}
		}
		wg.Done()
	}()

	ctx.Log.Info("Ingestion pipeline set up. Running until shutdown event received")
	wg.Wait()
	ctx.Log.Info("Shutdown event received - closing")
	return nil
}

func (p *IngestionPipeline[T]) ackWithRetry(ctx *appcontext.Context, msgId pulsar.MessageID) {
	RetryUntilSuccess(
		ctx.Done(),
		func() error { return p.consumer.AckID(msgId) },
		func(err error) {
			ctx.Log.WithError(err).Warnf("Pulsar ack failed; backing off for %s", p.pulsarConfig.BackoffTime)
			time.Sleep(p.pulsarConfig.BackoffTime)
		},
	)
}

func (p *IngestionPipeline[T]) subscribe() (pulsar.Consumer, func(), error) {
	pulsarClient, err := pulsarutils.NewPulsarClient(&p.pulsarConfig)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "Error creating pulsar client")
	}

	consumer, err := pulsarClient.Subscribe(pulsar.ConsumerOptions{
		Topics:                      p.topics,
		SubscriptionName:            p.subscriptionName,
		Type:                        p.subscriptionType,
		ReceiverQueueSize:           p.pulsarConfig.ReceiverQueueSize,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "Error creating pulsar consumer")
	}

	return consumer, func() {
		consumer.Close()
		pulsarClient.Close()
	}, nil
}
