// Package sink defines the destination delivery contract and its concrete
// transports. The pipeline never interprets payload contents; it only acts
// on the outcome classification.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratalog/audit-relay/internal/config"
)

// Status classifies one delivery attempt.
type Status int

const (
	// StatusDelivered means the destination accepted the payload.
	StatusDelivered Status = iota
	// StatusTransient means the attempt failed in a way worth retrying
	// (network error, timeout, 5xx-equivalent).
	StatusTransient
	// StatusPermanent means the destination rejected the payload and
	// retrying cannot help; the record dead-letters immediately.
	StatusPermanent
)

// Outcome is the result of one sink call.
type Outcome struct {
	Status  Status
	Code    string
	Message string
}

func Delivered() Outcome {
	return Outcome{Status: StatusDelivered}
}

func Transient(code, message string) Outcome {
	return Outcome{Status: StatusTransient, Code: code, Message: message}
}

func Permanent(code, message string) Outcome {
	return Outcome{Status: StatusPermanent, Code: code, Message: message}
}

// Sink delivers one payload to one destination. Implementations must bound
// the call with the context deadline so a stuck delivery cannot outlive
// its lease.
type Sink interface {
	Deliver(ctx context.Context, payload []byte, idempotencyKey string) Outcome
}

// Build constructs one sink per configured destination, selected by kind.
func Build(destinations []config.Destination, logger *slog.Logger) (map[string]Sink, error) {
	sinks := make(map[string]Sink, len(destinations))
	for _, d := range destinations {
		switch d.Kind {
		case "http":
			sinks[d.Name] = NewHTTPSink(d, logger)
		case "amqp":
			s, err := NewAMQPSink(d, logger)
			if err != nil {
				return nil, fmt.Errorf("building amqp sink %q: %w", d.Name, err)
			}
			sinks[d.Name] = s
		default:
			return nil, fmt.Errorf("destination %q: unknown kind %q", d.Name, d.Kind)
		}
	}
	return sinks, nil
}
