// Package matching selects the vendors eligible for a request.
package matching

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"bidflow/internal/domain"
)

type VendorSource interface {
	ListActiveVendorsByCategory(ctx context.Context, category string) ([]domain.Vendor, error)
}

type Ordering string

const (
	OrderRating Ordering = "rating"
	OrderScore  Ordering = "score"
)

type Matcher struct {
	Vendors  VendorSource
	Ordering Ordering
	Now      func() time.Time
}

// Match returns the eligible vendors for (city, category) in dispatch order.
// An empty result is not an error; callers turn it into a coverage signal.
func (m *Matcher) Match(ctx context.Context, city, category string) ([]domain.Vendor, error) {
	candidates, err := m.Vendors.ListActiveVendorsByCategory(ctx, category)
	if err != nil {
		return nil, domain.Upstream("list vendors", err)
	}
	out := make([]domain.Vendor, 0, len(candidates))
	for _, v := range candidates {
		if Eligible(v, city, category) {
			out = append(out, v)
		}
	}
	m.order(out)
	return out, nil
}

func (m *Matcher) order(vs []domain.Vendor) {
	if m.Ordering == OrderScore {
		now := time.Now()
		if m.Now != nil {
			now = m.Now()
		}
		sort.SliceStable(vs, func(i, j int) bool {
			si, sj := Score(vs[i], now), Score(vs[j], now)
			if si != sj {
				return si > sj
			}
			return vs[i].CreatedAt.After(vs[j].CreatedAt)
		})
		return
	}
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Rating != vs[j].Rating {
			return vs[i].Rating > vs[j].Rating
		}
		return vs[i].CreatedAt.After(vs[j].CreatedAt)
	})
}

// Eligible is the full predicate: active, serves the category, and serves
// the city.
func Eligible(v domain.Vendor, city, category string) bool {
	if v.Status != domain.VendorActive {
		return false
	}
	served := false
	for _, c := range v.Categories {
		if c == category {
			served = true
			break
		}
	}
	if !served {
		return false
	}
	for _, c := range v.ServingCities {
		if CityMatches(c, city) {
			return true
		}
	}
	return false
}

// CityMatches is a case-insensitive substring match in either direction, so
// "Riyadh" matches "Riyadh - Al Malqa" and the other way round.
func CityMatches(served, requested string) bool {
	a := strings.ToLower(strings.TrimSpace(served))
	b := strings.ToLower(strings.TrimSpace(requested))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// Score ranks a vendor from 0 to 100.
//
//	rating       30  linear on 0..5
//	speed        20  full under 5 minutes, zero past 2 hours
//	win rate     20  wins / offers
//	freshness    15  newcomers with fewer than 10 offers
//	reliability  15  grows with offer volume, capped at 50 offers
func Score(v domain.Vendor, now time.Time) float64 {
	rating := math.Max(0, math.Min(v.Rating, 5)) / 5 * 30

	var speed float64
	switch avg := v.AvgResponseSeconds; {
	case v.TotalOffers == 0:
		speed = 10
	case avg <= 300:
		speed = 20
	case avg >= 7200:
		speed = 0
	default:
		speed = 20 * (1 - (avg-300)/(7200-300))
	}

	var winRate float64
	if v.TotalOffers > 0 {
		winRate = math.Min(1, float64(v.TotalWins)/float64(v.TotalOffers)) * 20
	}

	var fresh float64
	if v.TotalOffers < 10 {
		fresh = 15 * float64(10-v.TotalOffers) / 10
		if !v.CreatedAt.IsZero() && now.Sub(v.CreatedAt) > 90*24*time.Hour {
			fresh /= 2
		}
	}

	reliability := math.Min(float64(v.TotalOffers), 50) / 50 * 15

	return math.Round((rating+speed+winRate+fresh+reliability)*10) / 10
}
