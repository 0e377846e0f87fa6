package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bidflow/internal/domain"
	"bidflow/internal/lifecycle"
	"bidflow/internal/util"
)

type TrackStore interface {
	GetRequest(ctx context.Context, id string) (domain.Request, bool, error)
	GetOffer(ctx context.Context, id string) (domain.Offer, bool, error)
	ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error)
}

type Acceptor interface {
	LockAndAccept(ctx context.Context, requestID, offerID string) (lifecycle.Acceptance, error)
}

// Track serves the customer tracking page. Every call must carry the
// request's security token.
type Track struct {
	Store    TrackStore
	Acceptor Acceptor
}

func (t *Track) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/public/track/{requestID}", t.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/public/offers/{offerID}/accept", t.handleAccept).Methods(http.MethodPost)
}

type offerView struct {
	Number       int     `json:"number"`
	ID           string  `json:"id"`
	VendorName   string  `json:"vendor_name"`
	VendorRating float64 `json:"vendor_rating"`
	Price        int64   `json:"price"`
	Notes        string  `json:"notes"`
	Status       string  `json:"status"`
}

type requestView struct {
	ID              string      `json:"id"`
	Ref             string      `json:"ref"`
	Category        string      `json:"category"`
	City            string      `json:"city"`
	District        string      `json:"district,omitempty"`
	Occasion        string      `json:"occasion,omitempty"`
	EventDate       string      `json:"event_date,omitempty"`
	Status          string      `json:"status"`
	AcceptedOfferID string      `json:"accepted_offer_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Offers          []offerView `json:"offers"`
}

// authorize loads the request and checks the token against it. It writes
// the error response itself and reports false on failure.
func (t *Track) authorize(w http.ResponseWriter, r *http.Request, requestID string) (domain.Request, bool) {
	req, ok, err := t.Store.GetRequest(r.Context(), requestID)
	if err != nil {
		slog.Error("track: load request failed", "err", err, "request_id", requestID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return req, false
	}
	if !ok {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return req, false
	}
	token := r.URL.Query().Get("token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(req.SecurityToken)) != 1 {
		http.Error(w, ErrForbidden, http.StatusForbidden)
		return req, false
	}
	return req, true
}

func (t *Track) handleGet(w http.ResponseWriter, r *http.Request) {
	req, ok := t.authorize(w, r, mux.Vars(r)["requestID"])
	if !ok {
		return
	}
	offers, err := t.Store.ListOffers(r.Context(), req.ID)
	if err != nil {
		slog.Error("track: list offers failed", "err", err, "request_id", req.ID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	view := requestView{
		ID: req.ID, Ref: util.ShortRef(req.ID), Category: req.Category, City: req.City, District: req.District,
		Occasion: req.Occasion, EventDate: req.EventDate, Status: string(req.Status),
		AcceptedOfferID: req.AcceptedOfferID, CreatedAt: req.CreatedAt, Offers: make([]offerView, 0, len(offers)),
	}
	for i, o := range offers {
		view.Offers = append(view.Offers, offerView{
			Number: i + 1, ID: o.ID, VendorName: o.VendorName, VendorRating: o.VendorRating,
			Price: o.Price, Notes: o.Notes, Status: string(o.Status),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

// handleAccept resolves the offer's request first so the token is always
// checked against the request that owns the offer.
func (t *Track) handleAccept(w http.ResponseWriter, r *http.Request) {
	offerID := mux.Vars(r)["offerID"]
	off, found, err := t.Store.GetOffer(r.Context(), offerID)
	if err != nil {
		slog.Error("track: load offer failed", "err", err, "offer_id", offerID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	req, ok := t.authorize(w, r, off.RequestID)
	if !ok {
		return
	}
	acc, err := t.Acceptor.LockAndAccept(r.Context(), req.ID, offerID)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusBadGateway {
			slog.Error("track: accept failed", "err", err, "request_id", req.ID, "offer_id", offerID)
		}
		writeJSON(w, status, map[string]string{"error": domain.CodeOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": acc.Request.ID, "offer_id": acc.Offer.ID, "status": string(acc.Request.Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
