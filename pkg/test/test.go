package test

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/outofforest/logger"
)

// Context returns context with logger, canceled when test finishes.
func Context(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), zaptest.NewLogger(t)))
	t.Cleanup(cancel)
	return ctx
}
