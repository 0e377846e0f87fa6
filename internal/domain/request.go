package domain

import (
	"sort"
	"time"
)

type RequestStatus string

const (
	RequestOpen          RequestStatus = "OPEN"
	RequestWaitingOffers RequestStatus = "WAITING_OFFERS"
	RequestNegotiating   RequestStatus = "NEGOTIATING"
	RequestAssigned      RequestStatus = "ASSIGNED"
	RequestAccepted      RequestStatus = "ACCEPTED"
	RequestCompleted     RequestStatus = "COMPLETED"
	RequestCancelled     RequestStatus = "CANCELLED"
	RequestNoResponses   RequestStatus = "NO_RESPONSES"
)

// ActiveRequestStatuses are the non-terminal statuses. A customer holds at
// most one request in any of them.
var ActiveRequestStatuses = []RequestStatus{RequestOpen, RequestWaitingOffers, RequestNegotiating}

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestOpen:          {RequestWaitingOffers, RequestAssigned, RequestCancelled, RequestNoResponses},
	RequestWaitingOffers: {RequestNegotiating, RequestAssigned, RequestCancelled, RequestNoResponses},
	RequestNegotiating:   {RequestAssigned, RequestCancelled, RequestNoResponses},
	RequestAssigned:      {RequestAccepted, RequestCompleted},
	RequestAccepted:      {RequestCompleted},
	RequestCompleted:     nil,
	RequestCancelled:     nil,
	RequestNoResponses:   nil,
}

func (s RequestStatus) Valid() bool {
	_, ok := requestTransitions[s]
	return ok
}

func (s RequestStatus) Terminal() bool {
	for _, a := range ActiveRequestStatuses {
		if s == a {
			return false
		}
	}
	return true
}

// AcceptsOffers reports whether vendors may still bid on the request.
func (s RequestStatus) AcceptsOffers() bool { return !s.Terminal() }

func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, t := range requestTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// RequestSourcesFor lists every status from which `to` is reachable in one
// step. Stores use it as the guard of a conditional update.
func RequestSourcesFor(to RequestStatus) []RequestStatus {
	var out []RequestStatus
	for from, next := range requestTransitions {
		for _, t := range next {
			if t == to {
				out = append(out, from)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Request struct {
	ID            string
	CustomerPhone string
	City          string
	District      string
	Category      string
	Occasion      string
	EventDate     string
	Details       string
	Status        RequestStatus
	SecurityToken string

	// dispatch bookkeeping
	DispatchedVendors     []string
	WaveNumber            int
	FullyDispatched       bool
	TotalVendorsAvailable int

	AcceptedOfferID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Dispatched reports whether the vendor was already invited to the request.
func (r Request) Dispatched(vendorID string) bool {
	for _, id := range r.DispatchedVendors {
		if id == vendorID {
			return true
		}
	}
	return false
}
