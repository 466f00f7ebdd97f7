// Package models defines the domain models for the application
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Service is one sellable entry of the fulfillment provider's catalog.
// Snapshots are replaced wholesale on refresh and never mutated.
type Service struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Type         string          `json:"type"`
	ProviderRate decimal.Decimal `json:"-"`
	SellRate     decimal.Decimal `json:"rate"` // per 1000 units, markup applied
	Min          int64           `json:"min"`
	Max          int64           `json:"max"`
	Refill       bool            `json:"refill"`
	Cancel       bool            `json:"cancel"`
}

// InRange reports whether quantity lies within the inclusive bounds
func (s Service) InRange(quantity int64) bool {
	return quantity >= s.Min && quantity <= s.Max
}

// ServiceFilter narrows a catalog listing
type ServiceFilter struct {
	Category string
	Search   string
}

// HealthCheck represents the health status of the service
type HealthCheck struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
}
