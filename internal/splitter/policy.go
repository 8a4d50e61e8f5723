package splitter

import "fmt"

// Policy is a granularity setting for the splitter.
type Policy struct {
	Name string
	// TargetTokens is the size pieces are packed up to.
	TargetTokens int
	// Tolerance is the fraction over TargetTokens a single sentence may run
	// before it is hard-cut on word boundaries.
	Tolerance float64
}

const defaultTolerance = 0.5

// Paragraph packs sentences into pieces of roughly 300 tokens.
func Paragraph() Policy {
	return Policy{Name: "paragraph", TargetTokens: 300, Tolerance: defaultTolerance}
}

// Sentence packs pieces of roughly 50 tokens.
func Sentence() Policy {
	return Policy{Name: "sentence", TargetTokens: 50, Tolerance: defaultTolerance}
}

// PolicyFor resolves a named policy. target and tolerance override the
// preset when positive; "custom" requires target.
func PolicyFor(name string, target int, tolerance float64) (Policy, error) {
	var p Policy
	switch name {
	case "", "paragraph":
		p = Paragraph()
	case "sentence":
		p = Sentence()
	case "custom":
		if target <= 0 {
			return Policy{}, fmt.Errorf("splitter: custom policy needs target tokens")
		}
		p = Policy{Name: "custom", Tolerance: defaultTolerance}
	default:
		return Policy{}, fmt.Errorf("splitter: unknown policy %q", name)
	}
	if target > 0 {
		p.TargetTokens = target
	}
	if tolerance > 0 {
		p.Tolerance = tolerance
	}
	return p, nil
}

// hardLimit is the largest single sentence kept whole.
func (p Policy) hardLimit() int {
	limit := float64(p.TargetTokens) * (1 + p.Tolerance)
	n := int(limit)
	if float64(n) < limit {
		n++
	}
	return n
}
