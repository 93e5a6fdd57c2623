package models

// Edge is a directed connection between two nodes. Label or Handle discriminate
// among several outgoing edges of condition and interactive nodes.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
	Label  string `json:"label,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// Matches reports whether the edge carries the given branch discriminator.
func (e Edge) Matches(label string) bool {
	if label == "" {
		return false
	}

	return e.Label == label || e.Handle == label
}
