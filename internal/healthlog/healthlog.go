package healthlog

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Scope string

const (
	ScopeCluster  Scope = "cluster"
	ScopeDocument Scope = "document"
	ScopeIndex    Scope = "index"
)

// Entry is one structured audit record. Data always carries a "success"
// boolean; successful batches add counts, digests and boundary keys,
// failures add an error description and free-form context.
type Entry struct {
	Namespace      string    `bson:"namespace,omitempty"`
	CollectionUUID string    `bson:"collectionUUID,omitempty"`
	Timestamp      time.Time `bson:"timestamp"`
	Severity       Severity  `bson:"severity"`
	Scope          Scope     `bson:"scope"`
	Operation      string    `bson:"operation"`
	Msg            string    `bson:"msg"`
	Data           bson.D    `bson:"data,omitempty"`
}

// Sink accepts entries one way; the producer never reads them back.
type Sink interface {
	Log(ctx context.Context, entry *Entry) error
}

// NewEntry fills in the timestamp, which is the same for every producer.
func NewEntry(ns string, severity Severity, scope Scope, operation, msg string, data bson.D) *Entry {
	return &Entry{
		Namespace: ns,
		Timestamp: time.Now(),
		Severity:  severity,
		Scope:     scope,
		Operation: operation,
		Msg:       msg,
		Data:      data,
	}
}

// NewErrorEntry reports a failure with its error and raw context.
func NewErrorEntry(ns string, scope Scope, operation, msg string, err error, context bson.D) *Entry {
	return NewEntry(ns, SeverityError, scope, operation, msg, failureData(err, context))
}

// NewWarningEntry is the relaxed tier of NewErrorEntry.
func NewWarningEntry(ns string, scope Scope, operation, msg string, err error, context bson.D) *Entry {
	return NewEntry(ns, SeverityWarning, scope, operation, msg, failureData(err, context))
}

func failureData(err error, context bson.D) bson.D {
	data := bson.D{{Key: "success", Value: false}}
	if err != nil {
		data = append(data, bson.E{Key: "error", Value: err.Error()})
	}
	if len(context) > 0 {
		data = append(data, bson.E{Key: "context", Value: context})
	}
	return data
}

// FanoutSink delivers each entry to every sink, returning the first
// delivery error after attempting all of them.
type FanoutSink []Sink

func (f FanoutSink) Log(ctx context.Context, entry *Entry) error {
	var firstErr error
	for _, sink := range f {
		if err := sink.Log(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
