package ingest

import (
	"github.com/cockroachdb/errors"

	"conduit/features/job"
	"conduit/internal/connector"
	"conduit/internal/parser"
)

type FailureKind string

const (
	KindConfig   FailureKind = "config"
	KindIO       FailureKind = "io"
	KindProvider FailureKind = "provider"
)

// Failure carries the terminal error message verbatim.
type Failure struct {
	Kind    FailureKind
	Message string
}

// Outcome is what one orchestration pass produced. Exactly one of
// Canceled, Failure or success (neither set) holds. SyncState is only
// persisted on success.
type Outcome struct {
	Metrics   map[string]any
	SyncState map[string]any
	Failure   *Failure
	Canceled  bool
}

func (o Outcome) Status() job.Status {
	switch {
	case o.Canceled:
		return job.StatusCanceled
	case o.Failure != nil:
		return job.StatusFailed
	default:
		return job.StatusSucceeded
	}
}

func succeeded(metrics, state map[string]any) Outcome {
	return Outcome{Metrics: metrics, SyncState: state}
}

func canceled() Outcome {
	return Outcome{Canceled: true}
}

func failed(err error, metrics map[string]any) Outcome {
	return Outcome{Metrics: metrics, Failure: &Failure{Kind: classify(err), Message: err.Error()}}
}

// ErrConfig marks source configuration problems found by the service
// itself rather than by a connector.
var ErrConfig = errors.New("invalid source configuration")

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, connector.ErrConfig), errors.Is(err, parser.ErrUnsupported), errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, connector.ErrProvider):
		return KindProvider
	default:
		return KindIO
	}
}
