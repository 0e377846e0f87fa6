// Package storetest provides in-memory stand-ins for the Postgres store and
// the messaging gateway. The conditional updates mirror the SQL guards in
// internal/store/pg so coordination code can be tested without a database.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/store"
)

type eventRow struct {
	ev        domain.ScheduledEvent
	state     domain.EventState
	updatedAt time.Time
}

type Memory struct {
	mu        sync.Mutex
	Requests  map[string]domain.Request
	Offers    map[string]domain.Offer
	Vendors   map[string]domain.Vendor
	Customers map[string]bool
	Events    map[string]*eventRow
	Inbound   map[string]string

	// Err, when set, is returned by every call whose name contains FailOn.
	FailOn string
	Err    error
}

func NewMemory() *Memory {
	return &Memory{
		Requests:  map[string]domain.Request{},
		Offers:    map[string]domain.Offer{},
		Vendors:   map[string]domain.Vendor{},
		Customers: map[string]bool{},
		Events:    map[string]*eventRow{},
		Inbound:   map[string]string{},
	}
}

func (m *Memory) fail(op string) error {
	if m.Err != nil && m.FailOn != "" && strings.Contains(op, m.FailOn) {
		return m.Err
	}
	return nil
}

func (m *Memory) AddVendor(v domain.Vendor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Status == "" {
		v.Status = domain.VendorActive
	}
	m.Vendors[v.ID] = v
}

func active(s domain.RequestStatus) bool { return !s.Terminal() }

func containsStatus(in []domain.RequestStatus, s domain.RequestStatus) bool {
	for _, x := range in {
		if x == s {
			return true
		}
	}
	return false
}

// requests

func (m *Memory) InsertRequest(ctx context.Context, r domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertRequest"); err != nil {
		return err
	}
	if active(r.Status) {
		for _, x := range m.Requests {
			if x.CustomerPhone == r.CustomerPhone && active(x.Status) {
				return domain.Conflict(domain.CodeActiveRequestExists, "customer already has an active request")
			}
		}
	}
	r.DispatchedVendors = append([]string(nil), r.DispatchedVendors...)
	r.UpdatedAt = r.CreatedAt
	m.Requests[r.ID] = r
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (domain.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetRequest"); err != nil {
		return domain.Request{}, false, err
	}
	r, ok := m.Requests[id]
	r.DispatchedVendors = append([]string(nil), r.DispatchedVendors...)
	return r, ok, nil
}

func (m *Memory) ActiveRequestForCustomer(ctx context.Context, phone string) (domain.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best domain.Request
	found := false
	for _, r := range m.Requests {
		if r.CustomerPhone == phone && active(r.Status) && (!found || r.CreatedAt.After(best.CreatedAt)) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (m *Memory) ListBiddableRequests(ctx context.Context, limit int) ([]domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Request
	for _, r := range m.Requests {
		if active(r.Status) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionRequest(ctx context.Context, id string, to domain.RequestStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionRequest"); err != nil {
		return false, err
	}
	r, ok := m.Requests[id]
	if !ok || !containsStatus(domain.RequestSourcesFor(to), r.Status) {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = now
	m.Requests[id] = r
	return true, nil
}

func (m *Memory) AssignRequest(ctx context.Context, id, offerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AssignRequest"); err != nil {
		return false, err
	}
	r, ok := m.Requests[id]
	if !ok || r.AcceptedOfferID != "" || !containsStatus(domain.RequestSourcesFor(domain.RequestAssigned), r.Status) {
		return false, nil
	}
	r.Status = domain.RequestAssigned
	r.AcceptedOfferID = offerID
	r.UpdatedAt = now
	m.Requests[id] = r
	return true, nil
}

func (m *Memory) ReleaseRequest(ctx context.Context, id, offerID string, restore domain.RequestStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Requests[id]
	if !ok || r.Status != domain.RequestAssigned || r.AcceptedOfferID != offerID {
		return false, nil
	}
	r.Status = restore
	r.AcceptedOfferID = ""
	r.UpdatedAt = now
	m.Requests[id] = r
	return true, nil
}

func (m *Memory) CancelActiveRequests(ctx context.Context, phone string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelActiveRequests"); err != nil {
		return nil, err
	}
	var ids []string
	for id, r := range m.Requests {
		if r.CustomerPhone == phone && active(r.Status) {
			r.Status = domain.RequestCancelled
			r.UpdatedAt = now
			m.Requests[id] = r
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) RecordWave(ctx context.Context, in store.WaveUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RecordWave"); err != nil {
		return false, err
	}
	r, ok := m.Requests[in.RequestID]
	if !ok || r.WaveNumber != in.Wave-1 || !active(r.Status) {
		return false, nil
	}
	r.WaveNumber = in.Wave
	r.DispatchedVendors = append(r.DispatchedVendors, in.Invited...)
	r.FullyDispatched = in.FullyDispatched
	r.TotalVendorsAvailable = in.TotalAvailable
	r.UpdatedAt = in.Now
	m.Requests[in.RequestID] = r
	return true, nil
}

// offers

func (m *Memory) InsertOffer(ctx context.Context, o domain.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertOffer"); err != nil {
		return err
	}
	for _, x := range m.Offers {
		if x.RequestID == o.RequestID && x.VendorID == o.VendorID {
			return domain.Conflict(domain.CodeDuplicateOffer, "vendor already submitted an offer for this request")
		}
	}
	o.UpdatedAt = o.CreatedAt
	m.Offers[o.ID] = o
	return nil
}

func (m *Memory) GetOffer(ctx context.Context, id string) (domain.Offer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOffer"); err != nil {
		return domain.Offer{}, false, err
	}
	o, ok := m.Offers[id]
	return o, ok, nil
}

func (m *Memory) listOffers(requestID string) []domain.Offer {
	var out []domain.Offer
	for _, o := range m.Offers {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListOffers"); err != nil {
		return nil, err
	}
	return m.listOffers(requestID), nil
}

func (m *Memory) CountOffers(ctx context.Context, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountOffers"); err != nil {
		return 0, err
	}
	return len(m.listOffers(requestID)), nil
}

func (m *Memory) TransitionOffer(ctx context.Context, id string, from, to domain.OfferStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionOffer"); err != nil {
		return false, err
	}
	o, ok := m.Offers[id]
	if !ok || o.Status != from || !from.CanTransition(to) {
		return false, nil
	}
	if to == domain.OfferAccepted {
		for _, x := range m.Offers {
			if x.RequestID == o.RequestID && x.Status == domain.OfferAccepted {
				return false, nil
			}
		}
	}
	o.Status = to
	o.UpdatedAt = now
	m.Offers[id] = o
	return true, nil
}

func (m *Memory) AutoRejectSiblings(ctx context.Context, requestID, winnerID string, now time.Time) ([]domain.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AutoRejectSiblings"); err != nil {
		return nil, err
	}
	var out []domain.Offer
	for _, o := range m.listOffers(requestID) {
		if o.ID == winnerID || o.Status != domain.OfferPending {
			continue
		}
		o.Status = domain.OfferAutoRejected
		o.UpdatedAt = now
		m.Offers[o.ID] = o
		out = append(out, o)
	}
	return out, nil
}

// OffersWithStatus is a test helper.
func (m *Memory) OffersWithStatus(requestID string, st domain.OfferStatus) []domain.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Offer
	for _, o := range m.listOffers(requestID) {
		if o.Status == st {
			out = append(out, o)
		}
	}
	return out
}

// vendors and customers

func (m *Memory) GetVendor(ctx context.Context, id string) (domain.Vendor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Vendors[id]
	return v, ok, nil
}

func (m *Memory) GetVendorByPhone(ctx context.Context, phone string) (domain.Vendor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetVendorByPhone"); err != nil {
		return domain.Vendor{}, false, err
	}
	for _, v := range m.Vendors {
		if v.Phone == phone {
			return v, true, nil
		}
	}
	return domain.Vendor{}, false, nil
}

func (m *Memory) ListActiveVendorsByCategory(ctx context.Context, category string) ([]domain.Vendor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListActiveVendorsByCategory"); err != nil {
		return nil, err
	}
	var out []domain.Vendor
	for _, v := range m.Vendors {
		if v.Status != domain.VendorActive {
			continue
		}
		for _, c := range v.Categories {
			if c == category {
				out = append(out, v)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) RecordVendorOffer(ctx context.Context, vendorID string, latencySeconds float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Vendors[vendorID]
	if !ok {
		return nil
	}
	v.AvgResponseSeconds = (v.AvgResponseSeconds*float64(v.TotalOffers) + latencySeconds) / float64(v.TotalOffers+1)
	v.TotalOffers++
	m.Vendors[vendorID] = v
	return nil
}

func (m *Memory) IncrementVendorWins(ctx context.Context, vendorID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.Vendors[vendorID]; ok {
		v.TotalWins++
		m.Vendors[vendorID] = v
	}
	return nil
}

func (m *Memory) SetVendorActiveChat(ctx context.Context, vendorID, customerPhone string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.Vendors[vendorID]; ok {
		v.ActiveChatClient = customerPhone
		m.Vendors[vendorID] = v
	}
	return nil
}

func (m *Memory) CustomerExists(ctx context.Context, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Customers[phone], nil
}

func (m *Memory) UpsertCustomer(ctx context.Context, phone string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Customers[phone] {
		return false, nil
	}
	m.Customers[phone] = true
	return true, nil
}

// scheduled events

func (m *Memory) ScheduleEvent(ctx context.Context, ev domain.ScheduledEvent, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ScheduleEvent"); err != nil {
		return err
	}
	if _, ok := m.Events[ev.ID]; ok {
		return nil
	}
	ev.Attempts = 0
	m.Events[ev.ID] = &eventRow{ev: ev, state: domain.EventPending, updatedAt: now}
	return nil
}

func (m *Memory) ClaimDueEvents(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*eventRow
	for _, row := range m.Events {
		if row.ev.FiresAt.After(now) {
			continue
		}
		stale := row.state == domain.EventProcessing && row.updatedAt.Before(now.Add(-staleAfter))
		if row.state == domain.EventPending || stale {
			due = append(due, row)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ev.FiresAt.Equal(due[j].ev.FiresAt) {
			return due[i].ev.FiresAt.Before(due[j].ev.FiresAt)
		}
		return due[i].ev.ID < due[j].ev.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.ScheduledEvent, 0, len(due))
	for _, row := range due {
		row.state = domain.EventProcessing
		row.ev.Attempts++
		row.updatedAt = now
		out = append(out, row.ev)
	}
	return out, nil
}

func (m *Memory) FinishEvent(ctx context.Context, id string, state domain.EventState, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.Events[id]; ok {
		row.state = state
		row.ev.LastError = lastError
		row.updatedAt = now
	}
	return nil
}

func (m *Memory) RescheduleEvent(ctx context.Context, id string, firesAt time.Time, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.Events[id]; ok {
		row.state = domain.EventPending
		row.ev.FiresAt = firesAt
		row.ev.LastError = lastError
		row.updatedAt = now
	}
	return nil
}

// EventState is a test helper.
func (m *Memory) EventState(id string) (domain.EventState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.Events[id]
	if !ok {
		return "", false
	}
	return row.state, true
}

// inbound dedupe

func (m *Memory) ClaimInbound(ctx context.Context, messageSID, from string, now time.Time, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClaimInbound"); err != nil {
		return false, err
	}
	if _, ok := m.Inbound[messageSID]; ok {
		return false, nil
	}
	m.Inbound[messageSID] = "processing"
	return true, nil
}

func (m *Memory) CompleteInbound(ctx context.Context, messageSID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inbound[messageSID] = "processed"
	return nil
}

func (m *Memory) ReleaseInbound(ctx context.Context, messageSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Inbound[messageSID] == "processing" {
		delete(m.Inbound, messageSID)
	}
	return nil
}
