// Package events is the fire-and-forget lifecycle event sink. Delivery
// failures are logged and never abort the originating operation.
package events

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/utils/logger"
)

const (
	TypeFundingDetected  = "funding_detected"
	TypeRevenueTransfer  = "revenue_transferred"
	TypeTradingStarted   = "trading_started"
	TypeTradeCompleted   = "trade_completed"
	TypeTradeFailed      = "trade_failed"
	TypeSweepStarted     = "sweep_started"
	TypeSweepCompleted   = "sweep_completed"
	TypeSweepFailed      = "sweep_failed"
	TypeSessionPaused    = "session_paused"
	TypeSessionResumed   = "session_resumed"
	TypeSessionStopped   = "session_stopped"
	TypeSessionCompleted = "session_completed"
)

type Event struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	Wallet    string                 `json:"wallet,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	At        time.Time              `json:"at"`
}

type Sink struct {
	producer *kafka.Producer
	topic    string
}

func NewSink() *Sink {
	cfg := config.GetKafkaConfig()

	var kafkaconf = &kafka.ConfigMap{
		"api.version.request": "true",
		"message.max.bytes":   1000000,
		"linger.ms":           10,
		"retries":             30,
		"retry.backoff.ms":    1000,
		"acks":                "1"}
	kafkaconf.SetKey("bootstrap.servers", cfg.Host)

	switch cfg.Protocol {
	case "plaintext":
		kafkaconf.SetKey("security.protocol", "plaintext")
	case "sasl_ssl":
		kafkaconf.SetKey("security.protocol", "sasl_ssl")
		kafkaconf.SetKey("sasl.username", cfg.Username)
		kafkaconf.SetKey("sasl.password", cfg.Password)
		kafkaconf.SetKey("sasl.mechanism", "PLAIN")
		kafkaconf.SetKey("enable.ssl.certificate.verification", "false")
		kafkaconf.SetKey("ssl.endpoint.identification.algorithm", "None")
		kafkaconf.SetKey("ssl.ca.location", cfg.CAPath)
	case "sasl_plaintext":
		kafkaconf.SetKey("sasl.mechanism", "PLAIN")
		kafkaconf.SetKey("security.protocol", "sasl_plaintext")
		kafkaconf.SetKey("sasl.username", cfg.Username)
		kafkaconf.SetKey("sasl.password", cfg.Password)
	default:
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": "unknown protocol " + cfg.Protocol}).Error("unknown kafka protocol")
		os.Exit(1)
	}

	producer, err := kafka.NewProducer(kafkaconf)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err}).Error("connect kafka failed")
		os.Exit(1)
	}

	go func(p *kafka.Producer) {
		for e := range p.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					logger.Logrus.WithFields(logrus.Fields{"Data": ev.TopicPartition}).Error("Delivery event failed")
				}
			}
		}
	}(producer)

	return &Sink{producer: producer, topic: cfg.EventTopic}
}

// Emit publishes the event without waiting for delivery. Errors are logged,
// never returned, so a sink failure cannot abort the caller.
func (s *Sink) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	payload, err := json.Marshal(&e)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"Type": e.Type, "ErrMsg": err}).Error("marshal event failed")
		return
	}

	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.SessionID),
		Value:          payload,
	}, nil)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"Type": e.Type, "SessionID": e.SessionID, "ErrMsg": err}).Error("produce event failed")
	}
}

func (s *Sink) Close() {
	s.producer.Flush(3000)
	s.producer.Close()
}

// Nop is the sink used when no broker is configured.
type Nop struct{}

func (Nop) Emit(ctx context.Context, e Event) {}
