// Package signals consumes index-trigger signals emitted by the event router and turns
// them into instance document rebuilds, deduplicating ids within each batch.
package signals

import (
	"encoding/json"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/common/ingest"
	"github.com/opencatalog/searchingester/internal/common/logging"
	"github.com/opencatalog/searchingester/internal/searchingester/ingesterrors"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
	"github.com/opencatalog/searchingester/internal/searchingester/tenant"
)

// SignalsWithIds is a batch of decoded signals along with the ids of all pulsar messages
// consumed to produce it.
type SignalsWithIds struct {
	Signals    []model.InstanceSignal
	MessageIds []pulsar.MessageID
}

func (s *SignalsWithIds) GetMessageIDs() []pulsar.MessageID {
	return s.MessageIds
}

type Converter struct {
	metrics *metrics.Metrics
}

func NewConverter(m *metrics.Metrics) *Converter {
	return &Converter{metrics: m}
}

func (c *Converter) Convert(ctx *appcontext.Context, batch []pulsar.Message) *SignalsWithIds {
	signals := make([]model.InstanceSignal, 0, len(batch))
	messageIds := make([]pulsar.MessageID, len(batch))
	for i, msg := range batch {
		messageIds[i] = msg.ID()

		var signal model.InstanceSignal
		if err := json.Unmarshal(msg.Payload(), &signal); err != nil {
			c.metrics.RecordMessageError(metrics.MessageErrorDeserialization)
			ctx.Log.WithError(err).Warnf("Could not unmarshal signal for msg %s", msg.ID())
			continue
		}
		if signal.InstanceID == "" {
			continue
		}
		signals = append(signals, signal)
	}
	return &SignalsWithIds{Signals: signals, MessageIds: messageIds}
}

// InstanceIndexer rebuilds instance documents by id.
type InstanceIndexer interface {
	IndexInstanceIds(ctx *appcontext.Context, tenant string, instanceIds []string) error
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Sink rebuilds the instances named by a signal batch, one tenant at a time. Failed tenant
// groups are logged and dropped; the batch is always acked and redelivery or the next drain
// cycle recovers.
type Sink struct {
	executor *tenant.Executor
	indexer  InstanceIndexer
	retry    RetryConfig
	metrics  *metrics.Metrics
}

func NewSink(executor *tenant.Executor, indexer InstanceIndexer, retry RetryConfig, m *metrics.Metrics) *Sink {
	return &Sink{executor: executor, indexer: indexer, retry: retry, metrics: m}
}

func (s *Sink) Store(ctx *appcontext.Context, batch *SignalsWithIds) error {
	for tenantID, ids := range idsByTenant(batch.Signals) {
		tenantID, ids := tenantID, ids
		err := s.executor.Run(ctx, tenantID, func(ctx *appcontext.Context) error {
			return ingest.WithRetry(func() (bool, error) {
				return true, s.indexer.IndexInstanceIds(ctx, tenantID, ids)
			}, s.retry.MaxAttempts, s.retry.InitialBackoff, s.retry.MaxBackoff)
		})
		if err == nil {
			continue
		}
		if ingesterrors.IsAuthorization(err) {
			s.metrics.RecordTenantSkipped()
			ctx.Log.WithError(err).WithField("tenant", tenantID).
				Warn("skipping signal group: tenant context setup failed")
			continue
		}
		s.metrics.RecordMessageError(metrics.MessageErrorProcessing)
		logging.WithStacktrace(ctx.Log, err).WithField("tenant", tenantID).
			Error("failed to index instances for signal group")
	}
	return nil
}

// idsByTenant groups signal instance ids by tenant, dropping duplicates within a group.
func idsByTenant(signals []model.InstanceSignal) map[string][]string {
	seen := make(map[model.InstanceSignal]bool, len(signals))
	grouped := make(map[string][]string)
	for _, signal := range signals {
		if seen[signal] {
			continue
		}
		seen[signal] = true
		grouped[signal.Tenant] = append(grouped[signal.Tenant], signal.InstanceID)
	}
	return grouped
}
