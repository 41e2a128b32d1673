package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dlog"
)

// makeBaseLogger wires a concrete logrus backend into ctx's dlog facade
// rather than leaving dlog on its zero-value fallback. Level is read from
// LOG_LEVEL (info if unset or unparsable).
func makeBaseLogger(ctx context.Context) context.Context {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.0000"})

	level := logrus.InfoLevel
	if s, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if l, err := logrus.ParseLevel(s); err == nil {
			level = l
		}
	}
	logger.SetLevel(level)

	wrapped := dlog.WrapLogrus(logger)
	dlog.SetFallbackLogger(wrapped)
	return dlog.WithLogger(ctx, wrapped)
}
