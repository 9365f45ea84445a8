package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/bcnelson/addrsync/internal/domain"
)

func TestValidateUnitName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "prod", false},
		{"with separators", "prod-eu_1.a", false},
		{"empty", "", true},
		{"starts with number", "1prod", true},
		{"contains space", "prod eu", true},
		{"contains slash", "prod/eu", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUnitName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUnitName(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateManagerName(t *testing.T) {
	if err := ValidateManagerName("nsx-a"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateManagerName(strings.Repeat("m", 33)); err == nil {
		t.Error("expected error for overlong manager name")
	}
}

func TestValidateScopeAndTag(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"plain", "env", false},
		{"with space and slash", "env prod/eu", false},
		{"blank", "   ", true},
		{"control char", "env\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateScope(tt.value); (err != nil) != tt.wantErr {
				t.Errorf("ValidateScope(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err := ValidateTag(tt.value); (err != nil) != tt.wantErr {
				t.Errorf("ValidateTag(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://fw1.example", false},
		{"http with port and path", "http://10.0.0.1:8443/base", false},
		{"no scheme", "fw1.example", true},
		{"ftp", "ftp://fw1.example", true},
		{"query", "https://fw1.example?vdom=root", true},
		{"no host", "https:///path", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func validUnit() *domain.CreateUnitRequest {
	return &domain.CreateUnitRequest{
		Name:     "prod",
		Scope:    "env",
		Tags:     []string{"web", "db"},
		Managers: []domain.Manager{{Name: "nsx-a", Kind: domain.ManagerLocal, URL: "https://nsx-a.example"}},
		Targets:  []domain.Target{{Name: "fw1", URL: "https://fw1.example", Domains: []string{"root"}}},
	}
}

func TestValidateUnit(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(u *domain.CreateUnitRequest)
		wantField string
	}{
		{"valid", func(u *domain.CreateUnitRequest) {}, ""},
		{"no tags", func(u *domain.CreateUnitRequest) { u.Tags = nil }, "tags"},
		{"duplicate tag", func(u *domain.CreateUnitRequest) { u.Tags = []string{"web", "web"} }, "tags[1]"},
		{"no managers", func(u *domain.CreateUnitRequest) { u.Managers = nil }, "managers"},
		{"bad kind", func(u *domain.CreateUnitRequest) { u.Managers[0].Kind = "regional" }, "managers[0].kind"},
		{"duplicate manager", func(u *domain.CreateUnitRequest) {
			u.Managers = append(u.Managers, u.Managers[0])
		}, "managers[1].name"},
		{"no targets", func(u *domain.CreateUnitRequest) { u.Targets = nil }, "targets"},
		{"bad target url", func(u *domain.CreateUnitRequest) { u.Targets[0].URL = "fw1" }, "targets[0].url"},
		{"duplicate domain", func(u *domain.CreateUnitRequest) { u.Targets[0].Domains = []string{"root", "root"} }, "targets[0].domains[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := validUnit()
			tt.mutate(u)
			err := ValidateUnit(u)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var errs ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on field %q, got %v", tt.wantField, errs)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var errs ValidationErrors
	errs.Add("name", "", "must not be empty")
	errs.Add("scope", "", "must not be empty")
	if got := errs.Error(); got != "name: must not be empty (and 1 more errors)" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestValidationErrors_IsInvalidInput(t *testing.T) {
	err := ValidateUnit(&domain.CreateUnitRequest{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) || !strings.Contains(errs.Details(), "name:") {
		t.Errorf("expected per-field details, got %v", err)
	}
}
