// Package models contains domain types for the governance engine.
package models

import "context"

// ActorSource represents how a governance decision was made.
type ActorSource string

const (
	SourceEngine    ActorSource = "engine"    // Auto-approved under the autonomy policy
	SourceScheduler ActorSource = "scheduler" // Scheduled sweep (expiry, scan trigger)
	SourceManual    ActorSource = "manual"    // Human decision via UI/API
)

// String returns the string representation of an ActorSource.
func (s ActorSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a valid actor source.
func (s ActorSource) IsValid() bool {
	switch s {
	case SourceEngine, SourceScheduler, SourceManual:
		return true
	default:
		return false
	}
}

// SystemActor is recorded as the deciding actor for engine-made decisions.
const SystemActor = "system"

// ActorContext carries actor identity and source through mutating operations.
// Every approve/reject/resolve records WHO decided and HOW.
type ActorContext struct {
	Source ActorSource
	Actor  string
}

type actorKey struct{}

// WithActor returns a new context with actor information attached.
func WithActor(ctx context.Context, a ActorContext) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// GetActor retrieves actor information from the context.
// Returns the actor context and true if present, otherwise a zero value and false.
func GetActor(ctx context.Context) (ActorContext, bool) {
	a, ok := ctx.Value(actorKey{}).(ActorContext)
	return a, ok
}

// ActorOrSystem returns the actor from context, falling back to the engine's
// system actor when none is set.
func ActorOrSystem(ctx context.Context) ActorContext {
	if a, ok := GetActor(ctx); ok {
		return a
	}
	return ActorContext{Source: SourceEngine, Actor: SystemActor}
}

// WithManualActor returns a context with a human actor set.
// Use this for HTTP handlers serving UI requests.
func WithManualActor(ctx context.Context, actor string) context.Context {
	return WithActor(ctx, ActorContext{Source: SourceManual, Actor: actor})
}

// WithEngineActor returns a context with the engine's own actor set.
// Use this for auto-approval and orchestration paths.
func WithEngineActor(ctx context.Context) context.Context {
	return WithActor(ctx, ActorContext{Source: SourceEngine, Actor: SystemActor})
}

// WithSchedulerActor returns a context with the scheduler actor set.
// Use this for expiry sweeps and periodic scan cycles.
func WithSchedulerActor(ctx context.Context) context.Context {
	return WithActor(ctx, ActorContext{Source: SourceScheduler, Actor: SystemActor})
}
