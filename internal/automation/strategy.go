package automation

import "context"

// Strategy is the capability interface policy objects implement. The control
// loop drives it; a strategy never reaches into loop internals.
type Strategy interface {
	// Name identifies the strategy in logs, metrics and event tracking.
	Name() string

	// CanExecute reports whether current conditions warrant opening a new
	// position.
	CanExecute(ctx context.Context) (bool, error)

	// Execute opens the position the strategy decided on.
	Execute(ctx context.Context) error

	// ShouldClose reports whether a tracked hedge group should be closed.
	ShouldClose(ctx context.Context, hedgeGroupID string) (bool, error)

	// PositionSize is the notional the next Execute would commit, checked
	// against the manual-approval threshold.
	PositionSize() float64
}
