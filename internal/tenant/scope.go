// Package tenant defines the billing/metering boundary a request acts on.
package tenant

import (
	"errors"
	"strings"
)

// ScopeKind discriminates the two tenant boundaries.
type ScopeKind string

const (
	ScopeAgency     ScopeKind = "AGENCY"
	ScopeSubAccount ScopeKind = "SUB_ACCOUNT"
)

var (
	ErrInvalidScope = errors.New("invalid_scope")
)

// Scope identifies the tenant boundary entitlements and usage are measured
// against. It is derived from request context and never stored on its own.
type Scope struct {
	Kind         ScopeKind
	AgencyID     string
	SubAccountID string
}

// AgencyScope builds an agency-level scope.
func AgencyScope(agencyID string) Scope {
	return Scope{Kind: ScopeAgency, AgencyID: strings.TrimSpace(agencyID)}
}

// SubAccountScope builds a sub-account scope. The agency ID may be empty when
// the caller only knows the sub-account.
func SubAccountScope(subAccountID, agencyID string) Scope {
	return Scope{
		Kind:         ScopeSubAccount,
		AgencyID:     strings.TrimSpace(agencyID),
		SubAccountID: strings.TrimSpace(subAccountID),
	}
}

// Validate reports whether the scope carries the identifiers its kind needs.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeAgency:
		if s.AgencyID == "" {
			return ErrInvalidScope
		}
	case ScopeSubAccount:
		if s.SubAccountID == "" {
			return ErrInvalidScope
		}
	default:
		return ErrInvalidScope
	}
	return nil
}

// Key returns the identifier the scope is metered under.
func (s Scope) Key() string {
	if s.Kind == ScopeSubAccount {
		return s.SubAccountID
	}
	return s.AgencyID
}
