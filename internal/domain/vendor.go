package domain

import "time"

type VendorStatus string

const (
	VendorActive   VendorStatus = "ACTIVE"
	VendorInactive VendorStatus = "INACTIVE"
)

type Vendor struct {
	ID            string
	Phone         string
	Name          string
	Status        VendorStatus
	ServingCities []string
	Categories    []string
	Rating        float64

	AvgResponseSeconds float64
	TotalOffers        int
	TotalWins          int

	// ActiveChatClient is the customer phone that free-form vendor replies
	// are proxied to. It never implies ownership of a request.
	ActiveChatClient string
	CreatedAt        time.Time
}

// Role is the outcome of identity resolution for an inbound phone number.
type Role string

const (
	RoleVendor   Role = "VENDOR"
	RoleCustomer Role = "CUSTOMER"
	RoleNewGuest Role = "NEW_GUEST"
)

// Categories is the closed set of service categories a request may carry.
var Categories = []string{"FEASTS", "APPETIZERS", "SWEETS", "TRADITIONAL", "COFFEE", "BEAUTY", "FASHION", "EVENTS"}

func ValidCategory(c string) bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}
