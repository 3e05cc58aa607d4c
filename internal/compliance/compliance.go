package compliance

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/models"
)

type Category string

const (
	CategoryCredentials Category = "credentials_format"
	CategoryCPF         Category = "cpf"
	CategoryEmail       Category = "email"
	CategoryPhone       Category = "phone"
	CategoryPix         Category = "pix"
)

type Violation struct {
	Category Category `json:"category"`
	Value    string   `json:"value,omitempty"`
	Reason   string   `json:"reason"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("compliance: %s: %s", v.Category, v.Reason)
}

var (
	credentialKeywordRe = regexp.MustCompile(`(?i)\b(usu[aá]rio|username|user|login|senha|password|pass)\b`)
	credentialShapeRe   = regexp.MustCompile(`^(?:[\p{L}\p{N}_.\- ]+:[ \t]*\S+\s*){2,}$`)

	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	pixRe   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	cpfRe   = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b|\b\d{11}\b`)
	phoneRe = regexp.MustCompile(`(?:\+?55[ \-]?)?\(?\b\d{2}\)?[ \-]?9?\d{4}[ \-]?\d{4}\b`)
)

// Check validates agent-authored text against a tenant allowlist and returns
// the first violation found, or nil.
func Check(list models.Allowlist, text string) *Violation {
	for _, s := range list.Exact {
		if text == s {
			return nil
		}
	}

	trimmed := strings.TrimSpace(text)
	if credentialKeywordRe.MatchString(trimmed) && !credentialShapeRe.MatchString(trimmed) {
		return &Violation{
			Category: CategoryCredentials,
			Reason:   "credentials must be sent as \"label: value\" pairs",
		}
	}

	// Each substring is classified once: matched spans are blanked before
	// the next, looser, pattern runs.
	work := []byte(text)

	if v := extract(work, emailRe, CategoryEmail, normalizeLower, allowSet(list.Email, normalizeLower), nil); v != nil {
		return v
	}
	if v := extract(work, pixRe, CategoryPix, normalizeLower, allowSet(list.Pix, normalizeLower), nil); v != nil {
		return v
	}
	if v := extract(work, cpfRe, CategoryCPF, normalizeDigits, allowSet(list.CPF, normalizeDigits), isCPF); v != nil {
		return v
	}
	if v := extract(work, phoneRe, CategoryPhone, normalizePhone, allowSet(list.Phone, normalizePhone), nil); v != nil {
		return v
	}
	return nil
}

func extract(work []byte, re *regexp.Regexp, category Category, normalize func(string) string, allowed map[string]struct{}, accept func(string) bool) *Violation {
	for _, loc := range re.FindAllIndex(work, -1) {
		raw := string(work[loc[0]:loc[1]])
		if accept != nil && !accept(raw) {
			continue
		}
		if _, ok := allowed[normalize(raw)]; !ok {
			return &Violation{
				Category: category,
				Value:    raw,
				Reason:   fmt.Sprintf("%s %q is not in the tenant allowlist", category, raw),
			}
		}
		for i := loc[0]; i < loc[1]; i++ {
			work[i] = ' '
		}
	}
	return nil
}

func allowSet(values []string, normalize func(string) string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func normalizeLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizePhone(s string) string {
	d := normalizeDigits(s)
	if len(d) >= 12 && strings.HasPrefix(d, "55") {
		d = d[2:]
	}
	return d
}

// isCPF accepts the punctuated form as is; a bare run of eleven digits only
// counts when its check digits are valid, so mobile numbers fall through to
// the phone pattern.
func isCPF(raw string) bool {
	if strings.ContainsAny(raw, ".-") {
		return true
	}
	return validCPFDigits(raw)
}

func validCPFDigits(d string) bool {
	if len(d) != 11 {
		return false
	}
	allSame := true
	for i := 1; i < 11; i++ {
		if d[i] != d[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return false
	}
	for _, n := range []int{9, 10} {
		sum := 0
		for i := 0; i < n; i++ {
			sum += int(d[i]-'0') * (n + 1 - i)
		}
		check := (sum * 10) % 11
		if check == 10 {
			check = 0
		}
		if check != int(d[n]-'0') {
			return false
		}
	}
	return true
}

type AllowlistStore interface {
	Allowlist(ctx context.Context, tenantID *string) (models.Allowlist, error)
}

// Filter loads the tenant allowlist and applies Check.
type Filter struct {
	Store  AllowlistStore
	Logger zerolog.Logger
}

func (f *Filter) Check(ctx context.Context, tenantID *string, text string) (*Violation, error) {
	list, err := f.Store.Allowlist(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load allowlist: %w", err)
	}
	v := Check(list, text)
	if v != nil {
		f.Logger.Info().
			Str("tenant_id", models.TenantKey(tenantID)).
			Str("category", string(v.Category)).
			Msg("agent message rejected by compliance filter")
	}
	return v, nil
}
