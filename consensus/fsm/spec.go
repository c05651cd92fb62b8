package fsm

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the reviewable form of an app's transition table.
type Spec struct {
	Label             string            `yaml:"label"`
	DefaultStartState string            `yaml:"default_start_state"`
	States            []string          `yaml:"states"`
	FinalStates       []string          `yaml:"final_states"`
	AlphabetIn        []string          `yaml:"alphabet_in"`
	TransitionFunc    map[string]string `yaml:"transition_func"`
	ResetTransitions  []string          `yaml:"reset_transitions,omitempty"`
}

func transitionKey(from, ev string) string {
	return "(" + from + ", " + ev + ")"
}

// Spec returns the specification of the app.
func (a *AbciApp) Spec() Spec {
	s := Spec{
		Label:             a.name,
		DefaultStartState: a.initial,
		States:            append(a.Rounds(), a.Finals()...),
		FinalStates:       a.Finals(),
		TransitionFunc:    make(map[string]string),
	}
	sort.Strings(s.States)

	alphabet := make(map[string]struct{})
	for _, t := range a.Edges() {
		ev := string(t.Event)
		alphabet[ev] = struct{}{}
		key := transitionKey(t.From, ev)
		s.TransitionFunc[key] = t.To
		if t.Reset {
			s.ResetTransitions = append(s.ResetTransitions, key)
		}
	}
	for ev := range alphabet {
		s.AlphabetIn = append(s.AlphabetIn, ev)
	}
	sort.Strings(s.AlphabetIn)
	return s
}

// Marshal encodes the spec as YAML.
func (s Spec) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fsm spec: %w", err)
	}
	return data, nil
}

// ParseSpec decodes a YAML spec.
func ParseSpec(data []byte) (Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("failed to parse fsm spec: %w", err)
	}
	return s, nil
}

// Diff lists the differences between two specs. An empty result means the
// specs describe the same graph.
func (s Spec) Diff(other Spec) []string {
	var diffs []string
	if s.DefaultStartState != other.DefaultStartState {
		diffs = append(diffs, fmt.Sprintf("default_start_state: %s != %s", s.DefaultStartState, other.DefaultStartState))
	}
	diffs = append(diffs, diffList("states", s.States, other.States)...)
	diffs = append(diffs, diffList("final_states", s.FinalStates, other.FinalStates)...)
	diffs = append(diffs, diffList("alphabet_in", s.AlphabetIn, other.AlphabetIn)...)
	diffs = append(diffs, diffList("reset_transitions", s.ResetTransitions, other.ResetTransitions)...)

	keys := make(map[string]struct{})
	for k := range s.TransitionFunc {
		keys[k] = struct{}{}
	}
	for k := range other.TransitionFunc {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		if s.TransitionFunc[k] != other.TransitionFunc[k] {
			diffs = append(diffs, fmt.Sprintf("transition_func %s: %q != %q", k, s.TransitionFunc[k], other.TransitionFunc[k]))
		}
	}
	return diffs
}

func diffList(field string, a, b []string) []string {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	if strings.Join(as, ",") == strings.Join(bs, ",") {
		return nil
	}
	return []string{fmt.Sprintf("%s: %v != %v", field, as, bs)}
}

// CheckSpec compares the app with a reviewed YAML spec.
func CheckSpec(app *AbciApp, data []byte) error {
	reviewed, err := ParseSpec(data)
	if err != nil {
		return err
	}
	if diffs := app.Spec().Diff(reviewed); len(diffs) > 0 {
		return configErrorf(app.name, "spec mismatch:\n  %s", strings.Join(diffs, "\n  "))
	}
	return nil
}
