package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/extractor"
)

// Dataset is the inventory of one manager as stored by FileShim.
type Dataset struct {
	Resources         []domain.Resource                    `json:"resources"`
	VIFs              []domain.VirtualInterface            `json:"vifs"`
	GroupMembers      map[string]domain.GroupMembers       `json:"group_members"`
	Sites             []domain.Site                        `json:"sites"`
	EnforcementPoints map[string][]domain.EnforcementPoint `json:"enforcement_points"`
	// EnforcementPointMembers is keyed by "<group path>|<enforcement point path>".
	EnforcementPointMembers map[string][]string `json:"enforcement_point_members"`
}

// FileShim serves one manager's inventory from a JSON file mapping manager
// names to datasets, for testing and demos. The file is read once.
type FileShim struct {
	data Dataset
	log  zerolog.Logger
}

// Ensure FileShim implements extractor.Inventory.
var _ extractor.Inventory = (*FileShim)(nil)

// NewFileShim loads manager's dataset from filePath. A missing file or
// manager yields an empty inventory.
func NewFileShim(filePath, manager string, logger zerolog.Logger) (*FileShim, error) {
	shim := &FileShim{log: logger.With().Str("component", "inventory_shim").Str("manager", manager).Logger()}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return shim, nil
		}
		return nil, fmt.Errorf("reading inventory file: %w", err)
	}
	var all map[string]Dataset
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("parsing inventory file: %w", err)
	}
	shim.data = all[manager]
	return shim, nil
}

// NewDatasetShim serves an in-memory dataset.
func NewDatasetShim(data Dataset, logger zerolog.Logger) *FileShim {
	return &FileShim{data: data, log: logger.With().Str("component", "inventory_shim").Logger()}
}

// Close is a no-op.
func (f *FileShim) Close() error { return nil }

// Search evaluates the conjunctive field:value clauses of query. Only the
// fields the extractor emits are understood; others never match.
func (f *FileShim) Search(_ context.Context, query string, _ bool) ([]domain.Resource, error) {
	clauses, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	var out []domain.Resource
	for _, r := range f.data.Resources {
		if matches(r, clauses) {
			out = append(out, r)
		}
	}
	f.log.Debug().Str("query", query).Int("results", len(out)).Msg("search")
	return out, nil
}

// ListVirtualInterfaces returns the interfaces owned by ownerID.
func (f *FileShim) ListVirtualInterfaces(_ context.Context, ownerID string) ([]domain.VirtualInterface, error) {
	var out []domain.VirtualInterface
	for _, v := range f.data.VIFs {
		if v.OwnerID == ownerID {
			out = append(out, v)
		}
	}
	return out, nil
}

// ListGroupMembers returns the stored members of groupID.
func (f *FileShim) ListGroupMembers(_ context.Context, groupID string) (*domain.GroupMembers, error) {
	m, ok := f.data.GroupMembers[groupID]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", groupID, domain.ErrNotFound)
	}
	return &m, nil
}

// ListSites returns the stored sites.
func (f *FileShim) ListSites(context.Context) ([]domain.Site, error) {
	return f.data.Sites, nil
}

// ListEnforcementPoints returns the stored enforcement points of siteID.
func (f *FileShim) ListEnforcementPoints(_ context.Context, siteID string) ([]domain.EnforcementPoint, error) {
	return f.data.EnforcementPoints[siteID], nil
}

// ListEnforcementPointMembers returns the stored IPs of a group on an
// enforcement point.
func (f *FileShim) ListEnforcementPointMembers(_ context.Context, groupPath, epPath string) ([]string, error) {
	return f.data.EnforcementPointMembers[groupPath+"|"+epPath], nil
}

type clause struct {
	field, value string
}

func parseQuery(query string) ([]clause, error) {
	var out []clause
	for _, part := range strings.Split(query, " AND ") {
		field, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("malformed query clause %q: %w", part, domain.ErrInvalidInput)
		}
		out = append(out, clause{field: field, value: unescape(value)})
	}
	return out, nil
}

func unescape(s string) string {
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

func matches(r domain.Resource, clauses []clause) bool {
	var scope, tag string
	for _, c := range clauses {
		switch c.field {
		case "resource_type":
			if string(r.Type) != c.value {
				return false
			}
		case "power_state":
			if r.PowerState != c.value {
				return false
			}
		case "tags.scope":
			scope = c.value
		case "tags.tag":
			tag = c.value
		default:
			return false
		}
	}
	return r.HasTag(scope, tag)
}
