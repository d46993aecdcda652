package chat

import (
	"strings"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Filter rejects messages containing banned phrases. Matching is
// case-insensitive Aho-Corasick over the whole text; an empty word list
// disables the gate.
type Filter struct {
	machine *goahocorasick.Machine
}

func NewFilter(words []string) (*Filter, error) {
	patterns := make([][]rune, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			patterns = append(patterns, []rune(w))
		}
	}
	if len(patterns) == 0 {
		return &Filter{}, nil
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Filter{machine: m}, nil
}

// Inappropriate reports whether text hits any banned phrase.
func (f *Filter) Inappropriate(text string) bool {
	if f.machine == nil {
		return false
	}
	terms := f.machine.MultiPatternSearch([]rune(strings.ToLower(text)), true)
	return len(terms) > 0
}
