/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

// Package rdmalog is the structured-logging ambient stack shared by the
// rdma and rdma/verbs packages. It wraps logrus with a fixed text
// formatter and a per-component "component=..." field, the convention
// observed in real cgo verbs/rdmacm programs (e.g. a transport binding
// logging the same way through a single package-level *logrus.Logger).
package rdmalog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Entry is the handle callers log through; it is a thin alias so call
// sites never import logrus directly.
type Entry = logrus.Entry

var (
	once sync.Once
	base *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// For returns a logger tagged with the given component name, e.g.
// rdmalog.For("handshake") adds component=handshake to every line.
func For(component string) *Entry {
	return root().WithField("component", component)
}

// SetLevel adjusts the shared logger's verbosity, exposed for hosts that
// want to raise or lower RDMA diagnostics independent of their own
// logging configuration.
func SetLevel(level logrus.Level) {
	root().SetLevel(level)
}
