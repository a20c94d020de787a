package tenants

import (
	"fmt"
	"strings"
	"time"
)

// Tenant is a trucking company. Every user belongs to exactly one tenant and
// must never see another tenant's data.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func New(id, name, phone, address string) (*Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("[tenants New] company name is required")
	}
	return &Tenant{
		ID:        id,
		Name:      strings.TrimSpace(name),
		Phone:     phone,
		Address:   address,
		CreatedAt: time.Now(),
	}, nil
}
