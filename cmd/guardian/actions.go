package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
)

// consoleActions answers the informational intents itself and hands device
// automation to the log. Real side effects belong to an external routine
// library plugged in through pipeline.ActionLibrary.
type consoleActions struct {
	clock  activity.Clock
	logger *zap.Logger
}

func newConsoleActions(clock activity.Clock, logger *zap.Logger) *consoleActions {
	return &consoleActions{clock: clock, logger: logger.Named("actions")}
}

func (c *consoleActions) Invoke(ctx context.Context, action string, params map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := c.clock.Now()
	switch action {
	case command.IntentGreeting.String():
		return "Hello. Guardian is listening.", nil
	case command.IntentFarewell.String():
		return "Goodbye.", nil
	case command.IntentTime.String():
		return "It is " + now.Format("15:04"), nil
	case command.IntentDate.String():
		return "Today is " + now.Format("Monday, January 2 2006"), nil
	case command.IntentIdentity.String():
		return "I am Guardian, your personal security assistant.", nil
	case command.IntentHelp.String():
		names := make([]string, 0, len(command.Intents))
		for _, i := range command.Intents {
			names = append(names, i.String())
		}
		return "I understand: " + strings.Join(names, ", "), nil
	}

	fields := []zap.Field{zap.String("action", action)}
	for k, v := range params {
		fields = append(fields, zap.String("param."+k, v))
	}
	c.logger.Info("dispatching action", fields...)
	return fmt.Sprintf("%s dispatched", action), nil
}
