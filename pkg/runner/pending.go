package runner

import (
	"github.com/openfroyo/provision/pkg/actions"
)

// Callback runs after an action's result is delivered. It may add more tasks
// to the role. An error aborts the run.
type Callback func(result actions.Action) error

// PendingAction binds an action to the role that queued it, the roles to
// notify when it changes something, and the callbacks to run on completion.
type PendingAction struct {
	Role   *Role
	Action actions.Action
	Notify []string
	Name   string
	Then   []Callback
}

// ID returns the id of the bound action.
func (pa *PendingAction) ID() string { return pa.Action.Meta().ID }

// Summary returns the explicit name, or the action's display name.
func (pa *PendingAction) Summary() string {
	if pa.Name != "" {
		return pa.Name
	}
	return actions.DisplayName(pa.Action)
}
