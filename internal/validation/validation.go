// Package validation checks integration unit definitions before they are
// stored. Names that end up inside firewall identifiers are held to the
// firewall's character set.
package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/bcnelson/addrsync/internal/domain"
)

const (
	maxUnitNameLength    = 64
	maxManagerNameLength = 32
	maxScopeLength       = 128
	maxTagLength         = 256
)

// isAlpha returns true if the byte is an ASCII letter.
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// validateIdentifier checks that value starts with a letter and contains only
// letters, numbers, hyphens, underscores or dots.
func validateIdentifier(value, entityType string, maxLen int) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", entityType)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%s must be at most %d characters", entityType, maxLen)
	}
	if !isAlpha(value[0]) {
		return fmt.Errorf("%s must start with a letter", entityType)
	}
	for _, b := range []byte(value) {
		if !isAlpha(b) && !isNum(b) && b != '-' && b != '_' && b != '.' {
			return fmt.Errorf("%s can only contain letters, numbers, hyphens, underscores or dots", entityType)
		}
	}
	return nil
}

// ValidateUnitName validates an integration unit name.
func ValidateUnitName(name string) error {
	return validateIdentifier(name, "unit name", maxUnitNameLength)
}

// ValidateManagerName validates an inventory manager name. Manager names are
// embedded in every address name the manager produces.
func ValidateManagerName(name string) error {
	return validateIdentifier(name, "manager name", maxManagerNameLength)
}

// ValidateTargetName validates a firewall target name.
func ValidateTargetName(name string) error {
	return validateIdentifier(name, "target name", maxUnitNameLength)
}

// ValidateDomainName validates a firewall administrative domain name.
func ValidateDomainName(name string) error {
	return validateIdentifier(name, "domain name", maxUnitNameLength)
}

// validateText rejects empty, overlong and control-character values.
func validateText(value, entityType string, maxLen int) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s must not be empty", entityType)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%s must be at most %d characters", entityType, maxLen)
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return fmt.Errorf("%s must not contain control characters", entityType)
	}
	return nil
}

// ValidateScope validates an inventory tag scope.
func ValidateScope(scope string) error {
	return validateText(scope, "scope", maxScopeLength)
}

// ValidateTag validates an inventory tag value.
func ValidateTag(tag string) error {
	return validateText(tag, "tag", maxTagLength)
}

// ValidateEndpointURL validates a manager or firewall URL.
// Only absolute http or https URLs without query or fragment are accepted.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("URL must not include a query or fragment")
	}
	return nil
}

// ValidateManagerKind validates a manager kind.
func ValidateManagerKind(kind domain.ManagerKind) error {
	switch kind {
	case domain.ManagerLocal, domain.ManagerGlobal:
		return nil
	}
	return fmt.Errorf("manager kind must be %q or %q", domain.ManagerLocal, domain.ManagerGlobal)
}

// ValidateUnit validates a complete unit definition and returns every
// problem found, or nil.
func ValidateUnit(req *domain.CreateUnitRequest) error {
	var errs ValidationErrors

	if err := ValidateUnitName(req.Name); err != nil {
		errs.Add("name", req.Name, err.Error())
	}
	if err := ValidateScope(req.Scope); err != nil {
		errs.Add("scope", req.Scope, err.Error())
	}

	if len(req.Tags) == 0 {
		errs.Add("tags", "", "at least one tag is required")
	}
	seenTags := make(map[string]bool, len(req.Tags))
	for i, tag := range req.Tags {
		field := fmt.Sprintf("tags[%d]", i)
		if err := ValidateTag(tag); err != nil {
			errs.Add(field, tag, err.Error())
		}
		if seenTags[tag] {
			errs.Add(field, tag, "duplicate tag")
		}
		seenTags[tag] = true
	}

	if len(req.Managers) == 0 {
		errs.Add("managers", "", "at least one manager is required")
	}
	seenManagers := make(map[string]bool, len(req.Managers))
	for i, m := range req.Managers {
		field := fmt.Sprintf("managers[%d]", i)
		if err := ValidateManagerName(m.Name); err != nil {
			errs.Add(field+".name", m.Name, err.Error())
		}
		if seenManagers[m.Name] {
			errs.Add(field+".name", m.Name, "duplicate manager name")
		}
		seenManagers[m.Name] = true
		if err := ValidateManagerKind(m.Kind); err != nil {
			errs.Add(field+".kind", string(m.Kind), err.Error())
		}
		if err := ValidateEndpointURL(m.URL); err != nil {
			errs.Add(field+".url", m.URL, err.Error())
		}
	}

	if len(req.Targets) == 0 {
		errs.Add("targets", "", "at least one target is required")
	}
	seenTargets := make(map[string]bool, len(req.Targets))
	for i, t := range req.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if err := ValidateTargetName(t.Name); err != nil {
			errs.Add(field+".name", t.Name, err.Error())
		}
		if seenTargets[t.Name] {
			errs.Add(field+".name", t.Name, "duplicate target name")
		}
		seenTargets[t.Name] = true
		if err := ValidateEndpointURL(t.URL); err != nil {
			errs.Add(field+".url", t.URL, err.Error())
		}
		seenDomains := make(map[string]bool, len(t.Domains))
		for j, d := range t.Domains {
			dfield := fmt.Sprintf("%s.domains[%d]", field, j)
			if err := ValidateDomainName(d); err != nil {
				errs.Add(dfield, d, err.Error())
			}
			if seenDomains[d] {
				errs.Add(dfield, d, "duplicate domain")
			}
			seenDomains[d] = true
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
