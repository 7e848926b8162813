package updatequeue

// Priority orders mutations. The zero value is medium.
type Priority int

const (
	PriorityMedium Priority = iota
	PriorityHigh
	PriorityLow
)

const numPriorities = 3

func (p Priority) Valid() bool {
	return p >= PriorityMedium && p <= PriorityLow
}

// band is the execution rank: 0 runs first.
func (p Priority) band() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	}
	return 1
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}
