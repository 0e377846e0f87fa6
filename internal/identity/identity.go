// Package identity decides which state machine handles an inbound phone.
package identity

import (
	"context"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/util"
)

type Directory interface {
	GetVendorByPhone(ctx context.Context, phone string) (domain.Vendor, bool, error)
	CustomerExists(ctx context.Context, phone string) (bool, error)
	UpsertCustomer(ctx context.Context, phone string, now time.Time) (bool, error)
}

type Identity struct {
	Role   domain.Role
	Phone  string
	Vendor domain.Vendor
}

type Resolver struct {
	Dir Directory
	Now func() time.Time
}

// Resolve classifies phone. Vendors win over customers when a number is
// registered as both. A first-time number is recorded as a customer and
// reported as NEW_GUEST for this one message.
func (r *Resolver) Resolve(ctx context.Context, phone string) (Identity, error) {
	phone = util.NormalizePhone(phone)
	id := Identity{Phone: phone}

	v, ok, err := r.Dir.GetVendorByPhone(ctx, phone)
	if err != nil {
		return id, domain.Upstream("lookup vendor", err)
	}
	if ok && v.Status == domain.VendorActive {
		id.Role = domain.RoleVendor
		id.Vendor = v
		return id, nil
	}

	exists, err := r.Dir.CustomerExists(ctx, phone)
	if err != nil {
		return id, domain.Upstream("lookup customer", err)
	}
	if exists {
		id.Role = domain.RoleCustomer
		return id, nil
	}

	now := util.NowUTC()
	if r.Now != nil {
		now = r.Now()
	}
	created, err := r.Dir.UpsertCustomer(ctx, phone, now)
	if err != nil {
		return id, domain.Upstream("register customer", err)
	}
	if created {
		id.Role = domain.RoleNewGuest
	} else {
		id.Role = domain.RoleCustomer
	}
	return id, nil
}
