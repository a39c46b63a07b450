package model

// ResourceKind distinguishes the two independently booked resources.
type ResourceKind string

const (
	KindProvider  ResourceKind = "provider"
	KindOperatory ResourceKind = "operatory"
)

func ParseResourceKind(s string) (ResourceKind, bool) {
	switch ResourceKind(s) {
	case KindProvider, KindOperatory:
		return ResourceKind(s), true
	}
	return "", false
}

// Resource is read-only reference data owned by the practice records system.
type Resource struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority,omitempty"`
}
