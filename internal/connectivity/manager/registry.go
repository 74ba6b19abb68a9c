package manager

import (
	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/client"
	"github.com/UnimibEsami/ditto/internal/connectivity/pipeline"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol/amqp"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol/httppush"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol/kafka"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol/loopback"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol/mqtt"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol/nats"
	"github.com/UnimibEsami/ditto/internal/infrastructure/config"
)

// NewRegistry registers a facade factory for every supported connection
// type, configured with the service-wide transport defaults.
//
// Parameters:
//   - cfg: Connectivity section of the service configuration
//   - instanceName: Reported to brokers that accept a client name
func NewRegistry(cfg config.ConnectivityConfig, instanceName string) *protocol.Registry {
	r := protocol.NewRegistry()

	r.Register(connectivity.TypeMQTT, mqtt.NewFactory(mqtt.Settings{
		ClientIDPrefix:   cfg.MQTT.ClientIDPrefix,
		KeepAlive:        cfg.MQTT.KeepAlive,
		ConnectTimeout:   cfg.MQTT.ConnectTimeout,
		MaxReconnectWait: cfg.MQTT.MaxReconnectWait,
		CleanSession:     cfg.MQTT.CleanSession,
	}))
	r.Register(connectivity.TypeKafka, kafka.NewFactory(kafka.Settings{
		ClientID:    cfg.Kafka.ClientID,
		Version:     cfg.Kafka.Version,
		GroupPrefix: cfg.Kafka.GroupPrefix,
		DialTimeout: cfg.Kafka.DialTimeout,
	}))
	r.Register(connectivity.TypeAMQP091, amqp.NewFactory(amqp.Settings{
		Heartbeat: cfg.AMQP.Heartbeat,
		Prefetch:  cfg.AMQP.Prefetch,
	}))
	r.Register(connectivity.TypeNATS, nats.NewFactory(nats.Settings{
		ClientName:     instanceName,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		MaxReconnects:  cfg.NATS.MaxReconnects,
	}))
	r.Register(connectivity.TypeHTTPPush, httppush.NewFactory(httppush.Settings{
		Timeout:   cfg.HTTPPush.Timeout,
		RateLimit: cfg.HTTPPush.RequestsPerSecond,
		Burst:     cfg.HTTPPush.Burst,
	}))
	r.Register(connectivity.TypeLoopback, loopback.NewFactory())

	return r
}

// ConfigFrom derives the manager configuration from the service
// configuration.
func ConfigFrom(cfg config.ConnectivityConfig) Config {
	return Config{
		Client: client.Config{
			InitTimeout:          cfg.InitTimeout,
			ConnectingTimeout:    cfg.ConnectingTimeout,
			DisconnectingTimeout: cfg.DisconnectingTimeout,
			TestTimeout:          cfg.TestTimeout,
			MailboxSize:          cfg.MailboxSize,
			Pipeline: pipeline.Config{
				PoolSize:   cfg.ProcessorPoolSize,
				AckTimeout: cfg.AckTimeout,
			},
		},
		MetricsInterval: cfg.MetricsInterval,
		DefinitionsDir:  cfg.DefinitionsDir,
	}
}
