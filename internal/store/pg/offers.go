package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bidflow/internal/domain"
)

const offerColumns = `id, request_id, vendor_id, vendor_phone, vendor_name, vendor_rating,
	price, notes, status, created_at, updated_at`

func scanOffer(row pgx.Row) (domain.Offer, error) {
	var o domain.Offer
	var status string
	err := row.Scan(&o.ID, &o.RequestID, &o.VendorID, &o.VendorPhone, &o.VendorName, &o.VendorRating,
		&o.Price, &o.Notes, &status, &o.CreatedAt, &o.UpdatedAt)
	o.Status = domain.OfferStatus(status)
	return o, err
}

func scanOffers(rows pgx.Rows) ([]domain.Offer, error) {
	defer rows.Close()
	var out []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) InsertOffer(ctx context.Context, o domain.Offer) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO offers (id, request_id, vendor_id, vendor_phone, vendor_name, vendor_rating,
			price, notes, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, o.ID, o.RequestID, o.VendorID, o.VendorPhone, o.VendorName, o.VendorRating,
		o.Price, o.Notes, string(o.Status), o.CreatedAt)
	if uniqueViolation(err, "offers_request_id_vendor_id_key") {
		return domain.Conflict(domain.CodeDuplicateOffer, "vendor already submitted an offer for this request")
	}
	return err
}

func (s *Store) GetOffer(ctx context.Context, id string) (domain.Offer, bool, error) {
	o, err := scanOffer(s.DB.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Offer{}, false, nil
		}
		return domain.Offer{}, false, err
	}
	return o, true, nil
}

// ListOffers returns every offer on the request in submission order. The
// position in this list is the offer number customers reply with.
func (s *Store) ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE request_id=$1 ORDER BY created_at, id
	`, requestID)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (s *Store) CountOffers(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count(*) FROM offers WHERE request_id=$1`, requestID).Scan(&n)
	return n, err
}

// TransitionOffer is a compare-and-set on the offer status.
func (s *Store) TransitionOffer(ctx context.Context, id string, from, to domain.OfferStatus, now time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("offer transition %s -> %s is not allowed", from, to)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE offers SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2
	`, id, string(from), string(to), now)
	if uniqueViolation(err, "offers_one_accepted_per_request") {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// AutoRejectSiblings moves every PENDING offer other than the winner to
// AUTO_REJECTED and returns exactly the rows it changed. Re-running it after
// a complete sweep returns nothing.
func (s *Store) AutoRejectSiblings(ctx context.Context, requestID, winnerID string, now time.Time) ([]domain.Offer, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE offers SET status=$3, updated_at=$4
		WHERE request_id=$1 AND id<>$2 AND status=$5
		RETURNING `+offerColumns,
		requestID, winnerID, string(domain.OfferAutoRejected), now, string(domain.OfferPending))
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}
