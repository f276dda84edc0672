package stage

// ApprovalFlag is one named boolean in the fixed approval checklist. Order
// matters for display; evaluation is order-independent.
type ApprovalFlag struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Progress summarizes an approval checklist. AllComplete always equals the
// AND of the underlying flags because it is recomputed from them on every
// call; it is never stored or updated independently.
type Progress struct {
	Count       int     `json:"count"`
	Total       int     `json:"total"`
	Percent     float64 `json:"percent"`
	AllComplete bool    `json:"all_complete"`
}

// AggregateProgress derives Progress from an ordered flag list. Percent is
// unrounded; rounding is the display layer's job. An empty list is vacuously
// complete.
func AggregateProgress(flags []ApprovalFlag) Progress {
	count := 0
	for _, f := range flags {
		if f.Done {
			count++
		}
	}
	p := Progress{
		Count:       count,
		Total:       len(flags),
		AllComplete: count == len(flags),
	}
	if p.Total > 0 {
		p.Percent = float64(count) / float64(p.Total) * 100
	} else {
		p.Percent = 100
	}
	return p
}
