package model

// Plan is the directive set computed for one namespace in one cycle
type Plan struct {
	Namespace string

	// Deletes holds every key to remove: orphans and stale chunks of changed items
	Deletes []RecordKey

	// Inserts holds new and changed items. Changed items are inserted after their
	// existing keys (listed in Replaced) are deleted.
	Inserts []*SourceItem

	// Replaced maps a changed item to its existing keys, all of which are also in Deletes
	Replaced map[ItemID][]RecordKey

	// Excluded holds items skipped in this cycle because their stored
	// provenance could not be read
	Excluded []ItemID
}

// NewPlan returns an empty plan for ns
func NewPlan(ns string) *Plan {
	return &Plan{
		Namespace: ns,
		Replaced:  make(map[ItemID][]RecordKey),
	}
}

// IsEmpty is true when applying the plan would not mutate the index
func (p *Plan) IsEmpty() bool {
	return len(p.Deletes) == 0 && len(p.Inserts) == 0
}

// IsUpsert reports whether id is a changed item rather than a new one
func (p *Plan) IsUpsert(id ItemID) bool {
	_, ok := p.Replaced[id]
	return ok
}

// OrphanDeletes returns the deletes that do not belong to a changed item
func (p *Plan) OrphanDeletes() []RecordKey {
	orphans := make([]RecordKey, 0, len(p.Deletes))
	for _, key := range p.Deletes {
		if _, ok := p.Replaced[key.Item()]; ok {
			continue
		}
		orphans = append(orphans, key)
	}
	return orphans
}
