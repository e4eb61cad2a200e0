package domain

// ModerationResult is the provider-neutral outcome of a moderation check.
type ModerationResult struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories"`
	CategoryScores map[string]float64 `json:"category_scores"`
	Reason         string             `json:"reason,omitempty"`
}

// Normalize enforces the result invariants in place: flagged is set when
// any category is set, and every score lies in [0,1].
func (r *ModerationResult) Normalize() {
	if r.Categories == nil {
		r.Categories = make(map[string]bool)
	}
	if r.CategoryScores == nil {
		r.CategoryScores = make(map[string]float64)
	}
	for _, hit := range r.Categories {
		if hit {
			r.Flagged = true
			break
		}
	}
	for k, v := range r.CategoryScores {
		r.CategoryScores[k] = clampScore(v)
	}
}

// FlaggedCategories returns the names of categories marked true.
func (r *ModerationResult) FlaggedCategories() []string {
	var out []string
	for k, v := range r.Categories {
		if v {
			out = append(out, k)
		}
	}
	return out
}

// Clone returns a deep copy of the result.
func (r ModerationResult) Clone() ModerationResult {
	out := ModerationResult{Flagged: r.Flagged, Reason: r.Reason}
	if r.Categories != nil {
		out.Categories = make(map[string]bool, len(r.Categories))
		for k, v := range r.Categories {
			out.Categories[k] = v
		}
	}
	if r.CategoryScores != nil {
		out.CategoryScores = make(map[string]float64, len(r.CategoryScores))
		for k, v := range r.CategoryScores {
			out.CategoryScores[k] = v
		}
	}
	return out
}

func clampScore(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
