package bus

import (
	"context"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/meridianchat/meridian/pkg/meridian/event"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Subscriber receives envelopes routed by the bus. Implementations
// must not block in OnEvent: delivery runs on the bus goroutine.
type Subscriber interface {
	OnSubscribe(ctx context.Context, pattern string) error
	OnUnsubscribe(ctx context.Context, pattern string) error
	OnEvent(ctx context.Context, env *event.Envelope, fields map[string]string) error
}

// BaseSubscriber provides no-op implementations to embed.
type BaseSubscriber struct{}

func (BaseSubscriber) OnSubscribe(ctx context.Context, pattern string) error   { return nil }
func (BaseSubscriber) OnUnsubscribe(ctx context.Context, pattern string) error { return nil }
func (BaseSubscriber) OnEvent(ctx context.Context, env *event.Envelope, fields map[string]string) error {
	return nil
}

type matcher func(channel string) (bool, map[string]string)

// makeMatcher compiles a subscription pattern. Exact topics skip the
// pattern engine; patterns with named extractions ("user/+userId/#")
// also yield the extracted fields on match.
func makeMatcher(pattern string) matcher {
	if !strings.ContainsAny(pattern, "+#") {
		return func(channel string) (bool, map[string]string) {
			return channel == pattern, nil
		}
	}

	if mqttpattern.HasExtractions(pattern) {
		return func(channel string) (bool, map[string]string) {
			if mqttpattern.Matches(pattern, channel) {
				return true, mqttpattern.Extract(pattern, channel)
			}
			return false, nil
		}
	}

	return func(channel string) (bool, map[string]string) {
		return mqttpattern.Matches(pattern, channel), nil
	}
}

// LoggingSubscriber logs every envelope it receives. Useful on the
// audit pattern during debugging.
type LoggingSubscriber struct {
	BaseSubscriber
	logger *zap.Logger
	level  zapcore.Level
	name   string
}

// NewLoggingSubscriber creates a LoggingSubscriber with the given name
// for identification in log output.
func NewLoggingSubscriber(logger *zap.Logger, level zapcore.Level, name string) *LoggingSubscriber {
	return &LoggingSubscriber{logger: logger, level: level, name: name}
}

func (l *LoggingSubscriber) OnSubscribe(ctx context.Context, pattern string) error {
	l.logger.Log(l.level, "subscribed",
		zap.String("subscriber", l.name),
		zap.String("pattern", pattern),
	)
	return nil
}

func (l *LoggingSubscriber) OnUnsubscribe(ctx context.Context, pattern string) error {
	l.logger.Log(l.level, "unsubscribed",
		zap.String("subscriber", l.name),
		zap.String("pattern", pattern),
	)
	return nil
}

func (l *LoggingSubscriber) OnEvent(ctx context.Context, env *event.Envelope, fields map[string]string) error {
	l.logger.Log(l.level, "event received",
		zap.String("subscriber", l.name),
		zap.String("channel", env.Channel),
		zap.String("kind", string(env.Kind)),
		zap.String("routing_key", env.RoutingKey),
		zap.Any("fields", fields),
	)
	return nil
}
