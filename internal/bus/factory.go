package bus

import (
	"fmt"
	"strings"

	"github.com/UgoRastell/microsaas/internal/config"
	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// New creates a Conn instance based on the configuration.
func New(cfg config.BusConfig, log *logger.Logger) (Conn, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryConn(), nil

	case "nats":
		return NewNATSConn(NATSConfig{
			URL:           cfg.NATSURL,
			Name:          cfg.ClientName,
			ReconnectWait: cfg.ReconnectWait(),
		}, log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "microsaas"
		}

		return NewKafkaConn(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      cfg.ClientName,
		}, log)

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
}
