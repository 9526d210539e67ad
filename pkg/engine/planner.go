package engine

import (
	"context"
	"fmt"
	"strings"
)

// StepKind is a single controller call.
type StepKind string

const (
	StepSetStartMode StepKind = "set_start_mode"
	StepStart        StepKind = "start"
	StepStop         StepKind = "stop"
)

// Step is one controller call in an entry's action.
type Step struct {
	Kind StepKind  `json:"kind"`
	Mode StartMode `json:"mode,omitempty"`
}

// String implements fmt.Stringer.
func (s Step) String() string {
	if s.Kind == StepSetStartMode {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Mode)
	}
	return string(s.Kind)
}

// Action is the ordered set of steps an entry requires, recorded by name.
type Action string

// ActionNone means the service already matches its end mode.
const ActionNone Action = "none"

// ActionOf names a step sequence, e.g. "set_start_mode+start".
func ActionOf(steps []Step) Action {
	if len(steps) == 0 {
		return ActionNone
	}
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, string(s.Kind))
	}
	return Action(strings.Join(parts, "+"))
}

// PlanSteps computes the controller calls needed to move observed to endMode.
//
// Automatic end modes require the start mode to match and the service running.
// Manual and Disabled require the start mode to match and the service not running.
// The mode change is always issued first so a Disabled service cannot be restarted
// between the stop and the reconfiguration. A service in an unknown state is treated
// as not running.
func PlanSteps(observed ServiceDescriptor, endMode StartMode) []Step {
	var steps []Step
	if observed.StartMode != endMode {
		steps = append(steps, Step{Kind: StepSetStartMode, Mode: endMode})
	}
	running := observed.Status == StatusRunning
	switch {
	case endMode.WantsRunning() && !running:
		steps = append(steps, Step{Kind: StepStart})
	case !endMode.WantsRunning() && running:
		steps = append(steps, Step{Kind: StepStop})
	}
	return steps
}

// stateAfter maps a step sequence to the entry state reached once it has been issued.
func stateAfter(steps []Step) EntryState {
	state := EntryNoActionNeeded
	for _, s := range steps {
		switch s.Kind {
		case StepStart:
			return EntryStarted
		case StepStop:
			return EntryStopped
		case StepSetStartMode:
			state = EntryReconfigured
		}
	}
	return state
}

// PlannedEntry is the dry computation for one target entry.
type PlannedEntry struct {
	Position int               `json:"position"`
	Name     string            `json:"name"`
	Observed ServiceDescriptor `json:"observed"`
	EndMode  StartMode         `json:"end_mode"`
	Steps    []Step            `json:"steps,omitempty"`
	Action   Action            `json:"action"`
	Skip     string            `json:"skip,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// validateEntry returns a skip reason for entries that must not reach the controller.
func validateEntry(entry TargetEntry) string {
	if strings.TrimSpace(entry.Name) == "" {
		return "empty service name"
	}
	if strings.TrimSpace(string(entry.EndMode)) == "" {
		return "no end mode configured"
	}
	if !entry.EndMode.IsKnown() {
		return fmt.Sprintf("unrecognized end mode %q", string(entry.EndMode))
	}
	return ""
}

// guardEntry consults guard. A guard that cannot decide vetoes the entry.
func guardEntry(ctx context.Context, guard EntryGuard, pos int, entry TargetEntry) string {
	if guard == nil {
		return ""
	}
	reason, err := guard.Check(ctx, pos, entry)
	if err != nil {
		return "policy check failed: " + DetailOf(err)
	}
	return reason
}

// mergeObserved fills gaps in the live descriptor from the target file snapshot.
func mergeObserved(live ServiceDescriptor, entry TargetEntry) ServiceDescriptor {
	if live.Name == "" {
		live.Name = entry.Name
	}
	if live.Status == "" || live.Status == StatusUnknown {
		if entry.Status != "" {
			live.Status = entry.Status
		} else {
			live.Status = StatusUnknown
		}
	}
	if live.StartMode == "" {
		live.StartMode = entry.StartMode
	}
	if live.Description == "" {
		live.Description = entry.Description
	}
	if live.LogOnAs == "" {
		live.LogOnAs = entry.LogOnAs
	}
	if live.Path == "" {
		live.Path = entry.Path
	}
	return live
}

// normalize folds modes the controller cannot express.
func normalize(c ServiceController, mode StartMode) StartMode {
	if n, ok := c.(ModeNormalizer); ok {
		return n.NormalizeMode(mode)
	}
	return mode
}

// Preview computes the action for every entry without issuing any mutating call.
// Only Query is invoked on the controller. guard may be nil.
func Preview(ctx context.Context, controller ServiceController, list *TargetList, guard EntryGuard) ([]PlannedEntry, error) {
	if controller == nil {
		return nil, NewCapabilityMissingError("no service controller configured", nil)
	}
	out := make([]PlannedEntry, 0, list.Len())
	for i, entry := range list.Entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		pe := PlannedEntry{Position: i, Name: entry.Name, EndMode: entry.EndMode, Action: ActionNone}
		if reason := validateEntry(entry); reason != "" {
			pe.Skip = reason
			out = append(out, pe)
			continue
		}
		if reason := guardEntry(ctx, guard, i, entry); reason != "" {
			pe.Skip = reason
			out = append(out, pe)
			continue
		}
		live, err := controller.Query(ctx, entry.Name)
		if err != nil {
			pe.Error = DetailOf(err)
			out = append(out, pe)
			continue
		}
		pe.Observed = mergeObserved(live, entry)
		observed := pe.Observed
		observed.StartMode = normalize(controller, observed.StartMode)
		pe.Steps = PlanSteps(observed, normalize(controller, entry.EndMode))
		pe.Action = ActionOf(pe.Steps)
		out = append(out, pe)
	}
	return out, nil
}
