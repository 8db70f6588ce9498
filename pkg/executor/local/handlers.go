package local

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/regionctl/pkg/executor/protocol"
)

const (
	actionCreate = "create"
	actionUpdate = "update"
	actionDelete = "delete"
	actionNoop   = "no-op"
)

// Plan diffs the desired resources against the recorded state. A destroy
// plan deletes every recorded resource.
func Plan(params *protocol.PlanParams) (*protocol.PlanResult, error) {
	current, err := DecodeState(params.State)
	if err != nil {
		return nil, err
	}

	result := &protocol.PlanResult{Changes: []protocol.Change{}}

	if params.Destroy {
		for _, id := range current.IDs() {
			result.Changes = append(result.Changes, protocol.Change{Resource: id, Action: actionDelete})
		}
		return result, nil
	}

	desired := DesiredResources(params.Params)
	all := make(map[string]interface{}, len(desired)+len(current.Resources))
	for id := range desired {
		all[id] = nil
	}
	for id := range current.Resources {
		all[id] = nil
	}

	for _, id := range sortedKeys(all) {
		want, inDesired := desired[id]
		have, inState := current.Resources[id]

		action := actionNoop
		switch {
		case inDesired && !inState:
			action = actionCreate
		case !inDesired && inState:
			action = actionDelete
		case !sameValue(want, have):
			action = actionUpdate
		}
		result.Changes = append(result.Changes, protocol.Change{Resource: id, Action: action})
	}

	return result, nil
}

// Applier converges state one change at a time.
type Applier struct {
	// Delay is spent on every mutating change, honoring cancellation.
	Delay time.Duration

	// OnChange is called after each change attempt.
	OnChange func(change protocol.Change, err error)
}

// Apply executes the approved changes against the recorded state. Changes
// the executor cannot make are listed in Failed and left untouched in the
// returned state.
func (a *Applier) Apply(ctx context.Context, params *protocol.ApplyParams, destroy bool) (*protocol.ApplyResult, error) {
	current, err := DecodeState(params.State)
	if err != nil {
		return nil, err
	}
	desired := DesiredResources(params.Params)

	result := &protocol.ApplyResult{}
	for _, change := range params.Changes {
		if change.Action == actionNoop {
			continue
		}
		if err := a.wait(ctx); err != nil {
			return nil, err
		}

		err := a.applyChange(current, desired, params.Params, change, destroy)
		if err != nil {
			result.Failed = append(result.Failed, change.Resource)
		} else {
			result.Changed = append(result.Changed, change.Resource)
		}
		if a.OnChange != nil {
			a.OnChange(change, err)
		}
	}

	newState, err := current.Encode()
	if err != nil {
		return nil, err
	}
	result.NewState = newState
	result.Message = fmt.Sprintf("%d changed, %d failed", len(result.Changed), len(result.Failed))
	return result, nil
}

func (a *Applier) applyChange(state *State, desired, params map[string]interface{}, change protocol.Change, destroy bool) error {
	if shouldFail(params, change.Resource) {
		return fmt.Errorf("%s %s: injected failure", change.Action, change.Resource)
	}

	switch change.Action {
	case actionCreate, actionUpdate:
		if destroy {
			return fmt.Errorf("%s %s not allowed during destroy", change.Action, change.Resource)
		}
		value, ok := desired[change.Resource]
		if !ok {
			return fmt.Errorf("%s %s: resource is not declared", change.Action, change.Resource)
		}
		state.Resources[change.Resource] = value
	case actionDelete:
		delete(state.Resources, change.Resource)
	default:
		return fmt.Errorf("unknown action %q for %s", change.Action, change.Resource)
	}
	return nil
}

func (a *Applier) wait(ctx context.Context) error {
	if a.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(a.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
