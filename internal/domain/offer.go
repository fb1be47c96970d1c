package domain

// OfferStatusCompleted is the only offer status that drives archival.
const OfferStatusCompleted = "completed"

// Offer is a snapshot of a marketplace offer record.
type Offer struct {
	ID     string
	Status string
}

// OfferChange is one update to an offer. A nil snapshot means the record was
// absent on that side of the change.
type OfferChange struct {
	OfferID string
	Before  *Offer
	After   *Offer
}

// IsCompletion reports whether the change is the transition into the
// completed status. Completed to completed is not a transition.
func (c OfferChange) IsCompletion() bool {
	return status(c.Before) != OfferStatusCompleted && status(c.After) == OfferStatusCompleted
}

func status(o *Offer) string {
	if o == nil {
		return ""
	}
	return o.Status
}
