// Package perf records call metrics and exports them for inspection.
package perf

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"go.viam.com/callsignal"
)

var (
	// KeyRole tags a measurement with the side of the call.
	KeyRole = tag.MustNewKey("role")
	// KeyReason tags a measurement with why a call ended.
	KeyReason = tag.MustNewKey("reason")

	callsStarted       = stats.Int64("callsignal/calls_started", "The number of call attempts started.", stats.UnitDimensionless)
	callsEnded         = stats.Int64("callsignal/calls_ended", "The number of call attempts torn down.", stats.UnitDimensionless)
	candidatesAppended = stats.Int64(
		"callsignal/candidates_appended", "The number of local candidates written to the store.", stats.UnitDimensionless)
	candidatesApplied = stats.Int64(
		"callsignal/candidates_applied", "The number of remote candidates applied to a connection.", stats.UnitDimensionless)
	answersIgnored = stats.Int64(
		"callsignal/answers_ignored", "The number of answers seen after one was already applied.", stats.UnitDimensionless)
)

// Views of every call metric.
var (
	CallsStartedView = &view.View{
		Name:        "callsignal/calls_started",
		Description: callsStarted.Description(),
		Measure:     callsStarted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{KeyRole},
	}
	CallsEndedView = &view.View{
		Name:        "callsignal/calls_ended",
		Description: callsEnded.Description(),
		Measure:     callsEnded,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{KeyRole, KeyReason},
	}
	CandidatesAppendedView = &view.View{
		Name:        "callsignal/candidates_appended",
		Description: candidatesAppended.Description(),
		Measure:     candidatesAppended,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{KeyRole},
	}
	CandidatesAppliedView = &view.View{
		Name:        "callsignal/candidates_applied",
		Description: candidatesApplied.Description(),
		Measure:     candidatesApplied,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{KeyRole},
	}
	AnswersIgnoredView = &view.View{
		Name:        "callsignal/answers_ignored",
		Description: answersIgnored.Description(),
		Measure:     answersIgnored,
		Aggregation: view.Count(),
	}
)

// Views returns every call metric view.
func Views() []*view.View {
	return []*view.View{
		CallsStartedView,
		CallsEndedView,
		CandidatesAppendedView,
		CandidatesAppliedView,
		AnswersIgnoredView,
	}
}

// RegisterViews registers every call metric view.
func RegisterViews() error {
	return view.Register(Views()...)
}

// UnregisterViews undoes RegisterViews.
func UnregisterViews() {
	view.Unregister(Views()...)
}

func record(ctx context.Context, mutators []tag.Mutator, m stats.Measurement) {
	callsignal.UncheckedError(stats.RecordWithTags(ctx, mutators, m))
}

// RecordCallStarted counts a started attempt.
func RecordCallStarted(ctx context.Context, role string) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyRole, role)}, callsStarted.M(1))
}

// RecordCallEnded counts a torn down attempt.
func RecordCallEnded(ctx context.Context, role, reason string) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyRole, role), tag.Upsert(KeyReason, reason)}, callsEnded.M(1))
}

// RecordCandidatesAppended counts local candidates written to the store.
func RecordCandidatesAppended(ctx context.Context, role string, n int) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyRole, role)}, candidatesAppended.M(int64(n)))
}

// RecordCandidatesApplied counts remote candidates applied to a connection.
func RecordCandidatesApplied(ctx context.Context, role string, n int) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyRole, role)}, candidatesApplied.M(int64(n)))
}

// RecordAnswerIgnored counts an answer seen after one was applied.
func RecordAnswerIgnored(ctx context.Context) {
	record(ctx, nil, answersIgnored.M(1))
}
