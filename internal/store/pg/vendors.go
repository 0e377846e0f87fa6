package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"bidflow/internal/domain"
)

const vendorColumns = `id, phone, name, status, serving_cities, categories, rating,
	avg_response_seconds, total_offers, total_wins, COALESCE(active_chat_client,''), created_at`

func scanVendor(row pgx.Row) (domain.Vendor, error) {
	var v domain.Vendor
	var status string
	err := row.Scan(&v.ID, &v.Phone, &v.Name, &status, &v.ServingCities, &v.Categories, &v.Rating,
		&v.AvgResponseSeconds, &v.TotalOffers, &v.TotalWins, &v.ActiveChatClient, &v.CreatedAt)
	v.Status = domain.VendorStatus(status)
	return v, err
}

func (s *Store) getVendorWhere(ctx context.Context, where string, arg any) (domain.Vendor, bool, error) {
	v, err := scanVendor(s.DB.QueryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE `+where, arg))
	if err != nil {
		if isNoRows(err) {
			return domain.Vendor{}, false, nil
		}
		return domain.Vendor{}, false, err
	}
	return v, true, nil
}

func (s *Store) GetVendor(ctx context.Context, id string) (domain.Vendor, bool, error) {
	return s.getVendorWhere(ctx, "id=$1", id)
}

func (s *Store) GetVendorByPhone(ctx context.Context, phone string) (domain.Vendor, bool, error) {
	return s.getVendorWhere(ctx, "phone=$1", phone)
}

// ListActiveVendorsByCategory applies the category and status filters in SQL.
// City matching is fuzzy and happens in the matching package.
func (s *Store) ListActiveVendorsByCategory(ctx context.Context, category string) ([]domain.Vendor, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+vendorColumns+` FROM vendors
		WHERE status=$1 AND $2 = ANY(categories)
		ORDER BY rating DESC, created_at DESC
	`, string(domain.VendorActive), category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecordVendorOffer folds one response latency into the running average and
// bumps the offer count in a single statement.
func (s *Store) RecordVendorOffer(ctx context.Context, vendorID string, latencySeconds float64, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE vendors
		SET avg_response_seconds = (avg_response_seconds * total_offers + $2) / (total_offers + 1),
		    total_offers = total_offers + 1,
		    updated_at = $3
		WHERE id=$1
	`, vendorID, latencySeconds, now)
	return err
}

func (s *Store) IncrementVendorWins(ctx context.Context, vendorID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE vendors SET total_wins = total_wins + 1, updated_at=$2 WHERE id=$1
	`, vendorID, now)
	return err
}

func (s *Store) SetVendorActiveChat(ctx context.Context, vendorID, customerPhone string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE vendors SET active_chat_client=$2, updated_at=$3 WHERE id=$1
	`, vendorID, nullIfEmpty(customerPhone), now)
	return err
}

func (s *Store) CustomerExists(ctx context.Context, phone string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM customers WHERE phone=$1`, phone).Scan(&one)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpsertCustomer reports whether the customer row was newly created.
func (s *Store) UpsertCustomer(ctx context.Context, phone string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO customers (phone, created_at) VALUES ($1,$2) ON CONFLICT (phone) DO NOTHING
	`, phone, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
