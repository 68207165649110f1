package metadata

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// errStopScan ends a Scan early without reporting an error
var errStopScan = errors.New("stop scan")

// KVWrite is one mutation of an atomic batch
type KVWrite struct {
	Key    string
	Value  []byte
	Delete bool
}

func setKV(key string, value []byte) KVWrite {
	return KVWrite{Key: key, Value: value}
}

func deleteKV(key string) KVWrite {
	return KVWrite{Key: key, Delete: true}
}

// RawKVStore is the ordered key-value engine KVStore keeps its rows in.
// BadgerStore and PebbleStore implement it.
type RawKVStore interface {
	// Get returns a copy of the value stored at key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Write applies every write or none of them
	Write(ctx context.Context, writes []KVWrite) error

	// Scan visits the keys under prefix in lexicographic order. Values are
	// copies. An error from fn aborts the scan and is returned as is.
	Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error

	// GC reclaims engine space; engines that compact on their own do nothing
	GC(ctx context.Context) error

	Close() error
}

// engineLogger routes embedded engine logs into logrus one level below
// what the engine asked for, so their chatter stays out of Info
type engineLogger struct {
	logger *logrus.Logger
	prefix string
}

func newEngineLogger(logger *logrus.Logger, name string) *engineLogger {
	return &engineLogger{logger: logger, prefix: "[" + name + "] "}
}

func (l *engineLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(l.prefix+format, args...)
}

func (l *engineLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(l.prefix+format, args...)
}

func (l *engineLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(l.prefix+format, args...)
}

func (l *engineLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef(l.prefix+format, args...)
}

func (l *engineLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(l.prefix+format, args...)
}
