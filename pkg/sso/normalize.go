package sso

import (
	"fmt"
	"strings"
)

// Built-in attribute dialects. Canonical field -> accepted source keys,
// matched case-insensitively. Provider configs extend these via AttributeMap;
// new IdP dialects are additive rather than branched on.
var defaultAttributeSources = map[string][]string{
	"external_id": {
		"uid", "sub", "oid", "id", "user_id", "nameid",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
	},
	"email": {
		"email", "mail", "emailaddress", "upn",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
		"urn:oid:0.9.2342.19200300.100.1.3",
	},
	"display_name": {
		"displayname", "name", "cn", "full_name", "fullname",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
		"urn:oid:2.16.840.1.113730.3.1.241",
	},
	"department": {
		"department", "ou", "division", "org_unit",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/department",
		"urn:oid:2.5.4.11",
	},
}

// attributeTable resolves provider attribute names to canonical identity
// fields. Lookups are case-insensitive.
type attributeTable struct {
	sources map[string][]string
}

func newAttributeTable(extra AttributeMap) *attributeTable {
	sources := make(map[string][]string, len(defaultAttributeSources))
	for field, keys := range defaultAttributeSources {
		sources[field] = append([]string(nil), keys...)
	}
	sources["external_id"] = append(extra.ExternalID, sources["external_id"]...)
	sources["email"] = append(extra.Email, sources["email"]...)
	sources["display_name"] = append(extra.DisplayName, sources["display_name"]...)
	sources["department"] = append(extra.Department, sources["department"]...)
	return &attributeTable{sources: sources}
}

// lookup returns the first non-empty value whose key matches one of the
// accepted source keys for the canonical field.
func (t *attributeTable) lookup(field string, attrs map[string]string) string {
	for _, key := range t.sources[field] {
		for name, value := range attrs {
			if strings.EqualFold(name, key) && value != "" {
				return value
			}
		}
	}
	return ""
}

// Normalizer converts validated provider profiles into canonical
// IdentityRecords. It is a pure function of its inputs.
type Normalizer struct {
	table *attributeTable
}

// NewNormalizer creates a normalizer honoring the provider's extra
// attribute mappings.
func NewNormalizer(extra AttributeMap) *Normalizer {
	return &Normalizer{table: newAttributeTable(extra)}
}

// Normalize maps raw provider attributes to an IdentityRecord, routing every
// field through the sanitizer. fallbackID seeds ExternalID when no mapped
// attribute carries one (SAML NameID, OAuth "sub"). Missing optional fields
// are tolerated; a missing ExternalID or email is an error.
func (n *Normalizer) Normalize(cfg *ProviderConfig, attrs map[string]string, fallbackID string) (*IdentityRecord, error) {
	externalID := SanitizeField(n.table.lookup("external_id", attrs))
	if externalID == "" {
		externalID = SanitizeField(fallbackID)
	}
	if externalID == "" {
		return nil, fmt.Errorf("no subject identifier in provider attributes")
	}

	rawEmail := n.table.lookup("email", attrs)
	if rawEmail == "" {
		return nil, fmt.Errorf("no email in provider attributes")
	}
	email, err := SanitizeEmail(rawEmail)
	if err != nil {
		return nil, err
	}

	return &IdentityRecord{
		ExternalID:   externalID,
		Email:        email,
		DisplayName:  SanitizeField(n.table.lookup("display_name", attrs)),
		Department:   SanitizeField(n.table.lookup("department", attrs)),
		ProviderKind: cfg.Kind,
		ProviderID:   cfg.ID,
	}, nil
}
