package domain

import "time"

type OfferStatus string

const (
	OfferPending      OfferStatus = "PENDING"
	OfferAccepted     OfferStatus = "ACCEPTED"
	OfferRejected     OfferStatus = "REJECTED"
	OfferAutoRejected OfferStatus = "AUTO_REJECTED"
)

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferPending:      {OfferAccepted, OfferRejected, OfferAutoRejected},
	OfferAccepted:     nil,
	OfferRejected:     nil,
	OfferAutoRejected: nil,
}

func (s OfferStatus) Valid() bool {
	_, ok := offerTransitions[s]
	return ok
}

func (s OfferStatus) CanTransition(to OfferStatus) bool {
	for _, t := range offerTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Rejected covers both customer and automatic rejection.
func (s OfferStatus) Rejected() bool {
	return s == OfferRejected || s == OfferAutoRejected
}

// Offer carries a snapshot of the vendor profile taken at submission time.
type Offer struct {
	ID           string
	RequestID    string
	VendorID     string
	VendorPhone  string
	VendorName   string
	VendorRating float64
	Price        int64
	Notes        string
	Status       OfferStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
