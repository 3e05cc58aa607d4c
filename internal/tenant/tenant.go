package tenant

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/deskrelay/backend/internal/models"
)

var (
	ErrMissingCredential = errors.New("tenant: no credential or host")
	ErrUnknownTenant     = errors.New("tenant: unknown tenant")
	ErrTenantMismatch    = errors.New("tenant: credential and host disagree")
)

// Origin is what an inbound request tells us about where it came from.
type Origin struct {
	Host        string
	BearerToken string
}

// Scope is the resolved tenant boundary of one request. The zero value is
// unresolved and matches nothing.
type Scope struct {
	TenantID *string
	UserID   string
	Role     models.Role
	resolved bool
}

func NewScope(tenantID *string, userID string, role models.Role) Scope {
	return Scope{TenantID: tenantID, UserID: userID, Role: role, resolved: true}
}

// ForTicket is used by background sweeps, which walk every tenant and
// re-scope per ticket.
func ForTicket(t models.Ticket) Scope {
	return Scope{TenantID: t.TenantID, resolved: true}
}

func (s Scope) Resolved() bool {
	return s.resolved
}

// Authenticated reports whether the scope came from a credential rather than
// a host lookup. Writes require it.
func (s Scope) Authenticated() bool {
	return s.resolved && s.UserID != ""
}

func (s Scope) IsAgent() bool {
	return s.Authenticated() && s.Role == models.RoleAgent
}

// Clause renders the tenant predicate for column using placeholder $argIndex.
// A nil tenant matches only untagged rows.
func (s Scope) Clause(column string, argIndex int) (string, []any) {
	if !s.resolved {
		return "FALSE", nil
	}
	if s.TenantID == nil {
		return column + " IS NULL", nil
	}
	return fmt.Sprintf("%s = $%d", column, argIndex), []any{*s.TenantID}
}

func (s Scope) Owns(tenantID *string) bool {
	return s.resolved && models.SameTenant(s.TenantID, tenantID)
}

func (s Scope) String() string {
	if !s.resolved {
		return "unresolved"
	}
	if s.TenantID == nil {
		return "master"
	}
	return *s.TenantID
}

type Store interface {
	CredentialByTokenHash(ctx context.Context, hash string) (models.Credential, bool, error)
	TenantByDomain(ctx context.Context, host string) (*string, bool, error)
}

type Resolver struct {
	Store         Store
	MasterDomains map[string]struct{}
	Logger        zerolog.Logger
}

func NewResolver(store Store, masterDomains []string, logger zerolog.Logger) *Resolver {
	domains := make(map[string]struct{}, len(masterDomains))
	for _, d := range masterDomains {
		domains[NormalizeHost(d)] = struct{}{}
	}
	return &Resolver{Store: store, MasterDomains: domains, Logger: logger}
}

// Resolve derives the tenant from the credential first and the host second.
// Anything that does not map to a known tenant fails closed.
func (r *Resolver) Resolve(ctx context.Context, o Origin) (Scope, error) {
	host := NormalizeHost(o.Host)
	token := strings.TrimSpace(o.BearerToken)

	if token != "" {
		cred, ok, err := r.Store.CredentialByTokenHash(ctx, HashToken(token))
		if err != nil {
			return Scope{}, err
		}
		if !ok {
			return Scope{}, ErrUnknownTenant
		}
		if host != "" {
			if hostTenant, found, err := r.lookupHost(ctx, host); err != nil {
				return Scope{}, err
			} else if found && !models.SameTenant(hostTenant, cred.TenantID) {
				r.Logger.Warn().
					Str("user_id", cred.UserID).
					Str("host", host).
					Msg("credential tenant does not match host tenant")
				return Scope{}, ErrTenantMismatch
			}
		}
		return NewScope(cred.TenantID, cred.UserID, cred.Role), nil
	}

	if host == "" {
		return Scope{}, ErrMissingCredential
	}
	tenantID, found, err := r.lookupHost(ctx, host)
	if err != nil {
		return Scope{}, err
	}
	if !found {
		return Scope{}, ErrUnknownTenant
	}
	return NewScope(tenantID, "", ""), nil
}

func (r *Resolver) lookupHost(ctx context.Context, host string) (*string, bool, error) {
	if _, ok := r.MasterDomains[host]; ok {
		return nil, true, nil
	}
	return r.Store.TenantByDomain(ctx, host)
}

func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
