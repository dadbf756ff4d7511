package bundle

import (
	"encoding/json"
	"math"
	"slices"

	"github.com/tidwall/jsonc"
)

// Choices holds the selected option indices of every group, indexed by
// page and group.
type Choices [][][]int

// Clone returns a deep copy of c.
func (c Choices) Clone() Choices {
	out := make(Choices, len(c))
	for i, page := range c {
		out[i] = make([][]int, len(page))
		for j, group := range page {
			out[i][j] = slices.Clone(group)
		}
	}
	return out
}

func (c Choices) selected(page, group int) []int {
	if page >= len(c) || group >= len(c[page]) {
		return nil
	}
	return c[page][group]
}

// Set replaces the selection of one group. Out-of-range pages and groups
// are grown to fit; the caller clamps with FixChoices.
func (c Choices) Set(page, group int, sel []int) Choices {
	for len(c) <= page {
		c = append(c, nil)
	}
	for len(c[page]) <= group {
		c[page] = append(c[page], nil)
	}
	c[page][group] = slices.Clone(sel)
	return c
}

// ParseChoices decodes a choice document and clamps it to m. Malformed
// documents are treated as empty.
func ParseChoices(data []byte, m *Manifest) Choices {
	var raw any
	if len(data) > 0 {
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			raw = nil
		}
	}
	pages, _ := raw.([]any)
	c := make(Choices, len(pages))
	for i, p := range pages {
		groups, _ := p.([]any)
		c[i] = make([][]int, len(groups))
		for j, g := range groups {
			switch v := g.(type) {
			case []any:
				for _, x := range v {
					c[i][j] = append(c[i][j], choiceIndex(x))
				}
			default:
				c[i][j] = []int{choiceIndex(v)}
			}
		}
	}
	return FixChoices(c, m)
}

// choiceIndex converts a decoded JSON value to an option index. Anything
// but a number becomes 0.
func choiceIndex(v any) int {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

// FixChoices clamps c to the groups m declares. Indices past a group's
// option count become the last option, duplicates are dropped and indices
// sorted. A single-select group keeps one index and defaults to the first
// option; a multi-select group defaults to nothing selected.
func FixChoices(c Choices, m *Manifest) Choices {
	out := make(Choices, len(m.Pages))
	for pi, page := range m.Pages {
		out[pi] = make([][]int, len(page.Groups))
		for gi, group := range page.Groups {
			n := len(group.Options)
			var sel []int
			for _, idx := range c.selected(pi, gi) {
				if n == 0 {
					break
				}
				sel = append(sel, min(max(idx, 0), n-1))
			}
			slices.Sort(sel)
			sel = slices.Compact(sel)
			if !group.Multi() {
				switch {
				case n == 0:
					sel = nil
				case len(sel) == 0:
					sel = []int{0}
				default:
					sel = sel[:1]
				}
			}
			if sel == nil {
				sel = []int{}
			}
			out[pi][gi] = sel
		}
	}
	return out
}
