// Package normalize canonicalizes raw portal data: service number
// cleanup, fallback values for missing fields, and the minimum-data
// gate that decides whether a scraped record is worth staging.
package normalize

import (
	"regexp"
	"strings"
)

// Fallback labels applied when the portal omits a field. The back
// office expects these exact strings, so they are normalized here once
// instead of at every call site.
const (
	UnknownClient = "Desconocido"
	NoPhone       = "Sin teléfono"
)

var mobileRe = regexp.MustCompile(`^[6-9]\d{8}$`)

// ID strips every non-digit rune from a raw service reference and
// reports whether a usable identifier remains. References shorter than
// 4 digits are header cells, page controls or garbage rows, never real
// service numbers.
func ID(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	id := b.String()
	if len(id) < 4 {
		return "", false
	}
	return id, true
}

// Detail is the loosely-shaped record extracted from a portal detail
// page. All fields are optional; Normalize fills the defaults.
type Detail struct {
	ClientName  string
	Street      string
	Locality    string
	Phone       string
	Company     string
	Description string
	Status      string
	DateLabel   string
}

// Normalize returns a copy of d with whitespace trimmed, fallback
// labels applied, and the company label prefixed with the provider
// name. It never mutates the receiver.
func (d Detail) Normalize(provider string) Detail {
	out := Detail{
		ClientName:  strings.TrimSpace(d.ClientName),
		Street:      strings.TrimSpace(d.Street),
		Locality:    strings.TrimSpace(d.Locality),
		Phone:       strings.TrimSpace(d.Phone),
		Description: strings.TrimSpace(d.Description),
		Status:      strings.TrimSpace(d.Status),
		DateLabel:   strings.TrimSpace(d.DateLabel),
	}
	if out.ClientName == "" {
		out.ClientName = UnknownClient
	}
	if out.Phone == "" {
		out.Phone = NoPhone
	}
	out.Company = CompanyLabel(provider, d.Company)
	return out
}

// Address joins the street and locality parts with a single space.
func (d Detail) Address() string {
	return strings.TrimSpace(strings.TrimSpace(d.Street) + " " + strings.TrimSpace(d.Locality))
}

// CompanyLabel prefixes the raw company label with the provider name
// unless the label already mentions it, keeping downstream-visible
// labels consistent across providers.
func CompanyLabel(provider, raw string) string {
	provider = strings.TrimSpace(provider)
	raw = strings.TrimSpace(raw)
	switch {
	case provider == "":
		return raw
	case raw == "":
		return provider
	case strings.Contains(strings.ToLower(raw), strings.ToLower(provider)):
		return raw
	default:
		return provider + " - " + raw
	}
}

// HasMinimumData reports whether a detail record carries enough data
// to stage. A Spanish mobile number alone qualifies; otherwise both a
// client name and a usable address are required. The OR tolerates
// partial detail pages while rejecting empty extractions.
func HasMinimumData(d Detail) bool {
	if mobileRe.MatchString(strings.TrimSpace(d.Phone)) {
		return true
	}
	name := strings.TrimSpace(d.ClientName)
	if name == UnknownClient {
		name = ""
	}
	return len([]rune(name)) >= 3 && len([]rune(d.Address())) >= 8
}
