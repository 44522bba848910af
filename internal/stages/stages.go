// Package stages holds the static ordered catalog of contact stages.
//
// The catalog order is fixed and total: first_contact -> second_contact ->
// third_contact -> final_contact. It is independent of storage; the engine
// and dispatcher consult it to decide successors and terminal exits.
package stages

import (
	"errors"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// CRM status labels used on the board for each engine state.
const (
	LabelFirstContact  = "First Contact"
	LabelSecondContact = "Second Contact"
	LabelThirdContact  = "Third Contact"
	LabelFinalContact  = "Final Contact"
	LabelAwaitingCall  = "Awaiting Call"
	LabelNonResponsive = "Non-Responsive"
)

// Error variables for catalog lookups.
var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrUnknownLabel = errors.New("unknown stage label")
)

// Definition is one static catalog entry. Successor is empty for the last
// stage, which terminates the sequence. AudioAsset names an optional voice
// note sent after the text message; Template is the inline message body used
// when no file asset overrides it.
type Definition struct {
	Stage      models.Stage
	Label      string
	Successor  models.Stage
	AudioAsset string
	Template   string
}

// catalog is the fixed stage order. Templates are the inline fallback level
// of the resolver chain; the file-asset level can override them at runtime.
var catalog = []Definition{
	{
		Stage:     models.StageFirstContact,
		Label:     LabelFirstContact,
		Successor: models.StageSecondContact,
		Template:  "Hi {{name}}! Thanks for your interest. I tried to reach you about your request. When is a good time to talk?",
	},
	{
		Stage:      models.StageSecondContact,
		Label:      LabelSecondContact,
		Successor:  models.StageThirdContact,
		AudioAsset: "second_contact.ogg",
		Template:   "Hi {{name}}, following up on my earlier message. I'd love to walk you through the next steps whenever you have a minute.",
	},
	{
		Stage:     models.StageThirdContact,
		Label:     LabelThirdContact,
		Successor: models.StageFinalContact,
		Template:  "{{name}}, just checking in one more time. If now is a bad moment, reply here and we'll find a better one.",
	},
	{
		Stage:    models.StageFinalContact,
		Label:    LabelFinalContact,
		Template: "Hi {{name}}, this is my last message for now. If you'd still like to move forward, just reply and I'll pick it right up.",
	},
}

// byStage and byLabel are derived lookup maps over the catalog.
var (
	byStage = func() map[models.Stage]Definition {
		m := make(map[models.Stage]Definition, len(catalog))
		for _, d := range catalog {
			m[d.Stage] = d
		}
		return m
	}()
	byLabel = func() map[string]Definition {
		m := make(map[string]Definition, len(catalog))
		for _, d := range catalog {
			m[d.Label] = d
		}
		return m
	}()
)

// All returns the catalog in sequence order.
func All() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition for a stage.
func Lookup(stage models.Stage) (Definition, error) {
	d, ok := byStage[stage]
	if !ok {
		return Definition{}, ErrUnknownStage
	}
	return d, nil
}

// FromLabel maps a CRM board label to its stage definition. Labels outside
// the four contact stages are rejected here, before they reach the engine.
func FromLabel(label string) (Definition, error) {
	d, ok := byLabel[label]
	if !ok {
		return Definition{}, ErrUnknownLabel
	}
	return d, nil
}

// Successor returns the next stage after stage, or empty when stage is the
// last of the sequence.
func Successor(stage models.Stage) (models.Stage, error) {
	d, err := Lookup(stage)
	if err != nil {
		return "", err
	}
	return d.Successor, nil
}

// IsTerminal reports whether stage is the last of the sequence.
func IsTerminal(stage models.Stage) bool {
	d, ok := byStage[stage]
	return ok && d.Successor == ""
}

// Ordinal returns the zero-based position of stage in the catalog order.
// StageAwaitingCall sorts after every catalog stage, matching its absorbing
// role.
func Ordinal(stage models.Stage) (int, error) {
	if stage == models.StageAwaitingCall {
		return len(catalog), nil
	}
	for i, d := range catalog {
		if d.Stage == stage {
			return i, nil
		}
	}
	return 0, ErrUnknownStage
}
