// Package policy decides which instances the relay federates with, based
// on the domain bans, software bans and whitelist stored in the database.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klppl/relay/internal/db"
)

// Decision is the outcome of a policy check.
type Decision int

const (
	Allow Decision = iota
	DenyBannedDomain
	DenyBannedSoftware
	DenyNotWhitelisted
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyBannedDomain:
		return "banned domain"
	case DenyBannedSoftware:
		return "banned software"
	case DenyNotWhitelisted:
		return "not whitelisted"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Allowed reports whether the decision permits federation.
func (d Decision) Allowed() bool {
	return d == Allow
}

// ErrDenied wraps a deny decision so callers can branch with errors.Is.
var ErrDenied = errors.New("denied by policy")

// Engine evaluates policy against the current database state. Checks are
// read-only so results always reflect the latest admin changes.
type Engine struct {
	store *db.Store
}

func New(store *db.Store) *Engine {
	return &Engine{store: store}
}

// CheckDomain evaluates the domain against bans and, when the whitelist
// is enabled, the whitelist. A ban always wins over a whitelist entry.
func (e *Engine) CheckDomain(domain string) (Decision, error) {
	domain = strings.ToLower(domain)

	_, err := e.store.GetDomainBan(domain)
	switch {
	case err == nil:
		return DenyBannedDomain, nil
	case !errors.Is(err, db.ErrNotFound):
		return Allow, fmt.Errorf("check domain ban: %w", err)
	}

	enabled, err := e.store.GetConfigBool("whitelist-enabled")
	if err != nil {
		return Allow, fmt.Errorf("read whitelist toggle: %w", err)
	}
	if enabled {
		_, err := e.store.GetWhitelistEntry(domain)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return DenyNotWhitelisted, nil
		case err != nil:
			return Allow, fmt.Errorf("check whitelist: %w", err)
		}
	}
	return Allow, nil
}

// Check evaluates both the domain and the instance's software. software
// may be empty when nodeinfo discovery failed; only the domain rules
// apply then.
func (e *Engine) Check(domain, software string) (Decision, error) {
	decision, err := e.CheckDomain(domain)
	if err != nil || decision != Allow {
		return decision, err
	}

	if software != "" {
		_, err := e.store.GetSoftwareBan(strings.ToLower(software))
		switch {
		case err == nil:
			return DenyBannedSoftware, nil
		case !errors.Is(err, db.ErrNotFound):
			return Allow, fmt.Errorf("check software ban: %w", err)
		}
	}
	return Allow, nil
}

// Gate adapts CheckDomain to the error-returning form the federation
// client expects. Store errors fail open so a database hiccup does not
// stall deliveries.
func (e *Engine) Gate() func(domain string) error {
	return func(domain string) error {
		decision, err := e.CheckDomain(domain)
		if err != nil {
			return nil
		}
		if !decision.Allowed() {
			return fmt.Errorf("%w: %s", ErrDenied, decision)
		}
		return nil
	}
}
