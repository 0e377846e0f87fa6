package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bidflow/internal/domain"
	"bidflow/internal/store"
)

const requestColumns = `id, customer_phone, city, COALESCE(district,''), category,
	COALESCE(occasion,''), COALESCE(event_date,''), COALESCE(details,''), status,
	security_token, dispatched_vendors, wave_number, fully_dispatched,
	total_vendors_available, COALESCE(accepted_offer_id,''), created_at, updated_at`

func scanRequest(row pgx.Row) (domain.Request, error) {
	var r domain.Request
	var status string
	err := row.Scan(&r.ID, &r.CustomerPhone, &r.City, &r.District, &r.Category,
		&r.Occasion, &r.EventDate, &r.Details, &status,
		&r.SecurityToken, &r.DispatchedVendors, &r.WaveNumber, &r.FullyDispatched,
		&r.TotalVendorsAvailable, &r.AcceptedOfferID, &r.CreatedAt, &r.UpdatedAt)
	r.Status = domain.RequestStatus(status)
	return r, err
}

func (s *Store) InsertRequest(ctx context.Context, r domain.Request) error {
	if r.DispatchedVendors == nil {
		r.DispatchedVendors = []string{}
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO requests (id, customer_phone, city, district, category, occasion, event_date, details,
			status, security_token, dispatched_vendors, wave_number, fully_dispatched, total_vendors_available,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
	`, r.ID, r.CustomerPhone, r.City, nullIfEmpty(r.District), r.Category, nullIfEmpty(r.Occasion),
		nullIfEmpty(r.EventDate), nullIfEmpty(r.Details), string(r.Status), r.SecurityToken,
		r.DispatchedVendors, r.WaveNumber, r.FullyDispatched, r.TotalVendorsAvailable, r.CreatedAt)
	if uniqueViolation(err, "requests_one_active_per_customer") {
		return domain.Conflict(domain.CodeActiveRequestExists, "customer already has an active request")
	}
	return err
}

func (s *Store) GetRequest(ctx context.Context, id string) (domain.Request, bool, error) {
	r, err := scanRequest(s.DB.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Request{}, false, nil
		}
		return domain.Request{}, false, err
	}
	return r, true, nil
}

func (s *Store) ActiveRequestForCustomer(ctx context.Context, phone string) (domain.Request, bool, error) {
	r, err := scanRequest(s.DB.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE customer_phone=$1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1
	`, phone, statusStrings(domain.ActiveRequestStatuses)))
	if err != nil {
		if isNoRows(err) {
			return domain.Request{}, false, nil
		}
		return domain.Request{}, false, err
	}
	return r, true, nil
}

// ListBiddableRequests returns the most recent requests still accepting offers.
func (s *Store) ListBiddableRequests(ctx context.Context, limit int) ([]domain.Request, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = ANY($1)
		ORDER BY created_at DESC LIMIT $2
	`, statusStrings(domain.ActiveRequestStatuses), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionRequest moves the request to `to` only if its current status may
// lead there according to the transition table.
func (s *Store) TransitionRequest(ctx context.Context, id string, to domain.RequestStatus, now time.Time) (bool, error) {
	from := domain.RequestSourcesFor(to)
	if len(from) == 0 {
		return false, fmt.Errorf("no transition leads to %s", to)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE requests SET status=$2, updated_at=$3
		WHERE id=$1 AND status = ANY($4)
	`, id, string(to), now, statusStrings(from))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// AssignRequest is the acceptance lock: it succeeds for exactly one caller
// while the request is still open for offers.
func (s *Store) AssignRequest(ctx context.Context, id, offerID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE requests SET status=$3, accepted_offer_id=$2, updated_at=$4
		WHERE id=$1 AND status = ANY($5) AND accepted_offer_id IS NULL
	`, id, offerID, string(domain.RequestAssigned), now, statusStrings(domain.RequestSourcesFor(domain.RequestAssigned)))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseRequest undoes AssignRequest when the winning offer could not be
// marked accepted. It only touches a lock held by offerID.
func (s *Store) ReleaseRequest(ctx context.Context, id, offerID string, restore domain.RequestStatus, now time.Time) (bool, error) {
	if restore.Terminal() {
		return false, fmt.Errorf("cannot release request into terminal status %s", restore)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE requests SET status=$3, accepted_offer_id=NULL, updated_at=$4
		WHERE id=$1 AND status=$5 AND accepted_offer_id=$2
	`, id, offerID, string(restore), now, string(domain.RequestAssigned))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// CancelActiveRequests cancels every non-terminal request of the customer.
func (s *Store) CancelActiveRequests(ctx context.Context, phone string, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE requests SET status=$2, updated_at=$3
		WHERE customer_phone=$1 AND status = ANY($4)
		RETURNING id
	`, phone, string(domain.RequestCancelled), now, statusStrings(domain.ActiveRequestStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) RecordWave(ctx context.Context, in store.WaveUpdate) (bool, error) {
	invited := in.Invited
	if invited == nil {
		invited = []string{}
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE requests
		SET wave_number=$2, dispatched_vendors = dispatched_vendors || $3::text[],
		    fully_dispatched=$4, total_vendors_available=$5, updated_at=$6
		WHERE id=$1 AND wave_number=$2-1 AND status = ANY($7)
	`, in.RequestID, in.Wave, invited, in.FullyDispatched, in.TotalAvailable, in.Now,
		statusStrings(domain.ActiveRequestStatuses))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
