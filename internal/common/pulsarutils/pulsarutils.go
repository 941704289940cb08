package pulsarutils

import (
	gocontext "context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/common/logging"
)

// PulsarConfig is the client-level pulsar configuration shared by all consumers and producers.
type PulsarConfig struct {
	URL                        string `validate:"required"`
	TLSTrustCertsFilePath      string
	TLSValidateHostname        bool
	TLSAllowInsecureConnection bool
	MaxConnectionsPerBroker    int
	AuthenticationEnabled      bool
	JwtTokenPath               string
	ReceiverQueueSize          int
	ReceiveTimeout             time.Duration
	BackoffTime                time.Duration
}

func NewPulsarClient(config *PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication
	if config.AuthenticationEnabled {
		if config.JwtTokenPath == "" {
			return nil, errors.New("pulsar authentication was enabled but no JwtTokenPath was supplied")
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(config.JwtTokenPath)
	}
	return pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
	})
}

// Receive pulls messages off the consumer and posts them on the returned channel until ctx is
// cancelled. Receive failures are logged and retried after backoffTime in the hope that the
// problem is transient.
func Receive(
	ctx *appcontext.Context,
	consumer pulsar.Consumer,
	receiveTimeout time.Duration,
	backoffTime time.Duration,
	onConnectionError func(),
) chan pulsar.Message {
	out := make(chan pulsar.Message)
	go func() {
		// Periodically log the number of processed messages.
		logInterval := 60 * time.Second
		lastLogged := time.Now()
		numReceived := 0
		var lastMessageId pulsar.MessageID

		for {
			if time.Since(lastLogged) > logInterval {
				ctx.Log.WithFields(logrus.Fields{
					"received":      numReceived,
					"interval":      logInterval,
					"lastMessageId": lastMessageId,
				}).Info("message statistics")
				numReceived = 0
				lastLogged = time.Now()
			}

			select {
			case <-ctx.Done():
				ctx.Log.Info("Shutting down pulsar receiver")
				close(out)
				return
			default:
				ctxWithTimeout, cancel := appcontext.WithTimeout(ctx, receiveTimeout)
				msg, err := consumer.Receive(ctxWithTimeout)
				cancel()
				if errors.Is(err, gocontext.DeadlineExceeded) {
					break // expected when no messages are available
				}
				if err != nil {
					if onConnectionError != nil {
						onConnectionError()
					}
					logging.
						WithStacktrace(ctx.Log, err).
						WithField("lastMessageId", lastMessageId).
						Warnf("Pulsar receive failed; backing off for %s", backoffTime)
					time.Sleep(backoffTime)
					continue
				}

				numReceived++
				lastMessageId = msg.ID()
				out <- msg
			}
		}
	}()
	return out
}
