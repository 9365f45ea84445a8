package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/reconciler"
)

// FileShim is a firewall backed by a JSON file, for testing and demos.
// The file maps administrative domain names to their v4 and v6 namespaces.
type FileShim struct {
	filePath string
	mu       sync.Mutex
	log      zerolog.Logger
}

// Ensure FileShim implements reconciler.Firewall.
var _ reconciler.Firewall = (*FileShim)(nil)

type shimNamespace struct {
	Addresses []domain.AddressRecord      `json:"addresses"`
	Groups    []domain.AddressGroupRecord `json:"groups"`
}

type shimDomain struct {
	V4 shimNamespace `json:"v4"`
	V6 shimNamespace `json:"v6"`
}

func (d *shimDomain) namespace(v domain.Version) *shimNamespace {
	if v == domain.V6 {
		return &d.V6
	}
	return &d.V4
}

// NewFileShim creates a file-based firewall.
func NewFileShim(filePath string, logger zerolog.Logger) *FileShim {
	return &FileShim{
		filePath: filePath,
		log:      logger.With().Str("component", "firewall_shim").Str("file", filePath).Logger(),
	}
}

// Close is a no-op.
func (f *FileShim) Close() error { return nil }

func (f *FileShim) load() (map[string]*shimDomain, error) {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*shimDomain{}, nil
		}
		return nil, fmt.Errorf("reading firewall file: %w", err)
	}
	doms := map[string]*shimDomain{}
	if len(data) == 0 {
		return doms, nil
	}
	if err := json.Unmarshal(data, &doms); err != nil {
		return nil, fmt.Errorf("parsing firewall file: %w", err)
	}
	return doms, nil
}

func (f *FileShim) save(doms map[string]*shimDomain) error {
	data, err := json.MarshalIndent(doms, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling firewall state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.filePath), 0755); err != nil {
		return fmt.Errorf("creating firewall directory: %w", err)
	}
	if err := os.WriteFile(f.filePath, data, 0644); err != nil {
		return fmt.Errorf("writing firewall file: %w", err)
	}
	return nil
}

// view runs fn against the namespace without saving.
func (f *FileShim) view(v domain.Version, dom string, fn func(ns *shimNamespace)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doms, err := f.load()
	if err != nil {
		return err
	}
	d, ok := doms[dom]
	if !ok {
		d = &shimDomain{}
	}
	fn(d.namespace(v))
	return nil
}

// update runs fn against the namespace and saves the file when fn succeeds.
func (f *FileShim) update(v domain.Version, dom string, fn func(ns *shimNamespace) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doms, err := f.load()
	if err != nil {
		return err
	}
	d, ok := doms[dom]
	if !ok {
		d = &shimDomain{}
		doms[dom] = d
	}
	if err := fn(d.namespace(v)); err != nil {
		return err
	}
	return f.save(doms)
}

// ListAddresses returns the addresses of one namespace.
func (f *FileShim) ListAddresses(_ context.Context, v domain.Version, dom string) ([]domain.AddressRecord, error) {
	var out []domain.AddressRecord
	err := f.view(v, dom, func(ns *shimNamespace) {
		out = slices.Clone(ns.Addresses)
	})
	return out, err
}

// ListAddressGroups returns the groups of one namespace.
func (f *FileShim) ListAddressGroups(_ context.Context, v domain.Version, dom string) ([]domain.AddressGroupRecord, error) {
	var out []domain.AddressGroupRecord
	err := f.view(v, dom, func(ns *shimNamespace) {
		for _, g := range ns.Groups {
			out = append(out, g.Clone())
		}
	})
	return out, err
}

// CreateAddress adds an address; names must be unique.
func (f *FileShim) CreateAddress(_ context.Context, rec domain.AddressRecord, dom string) error {
	return f.update(rec.Version, dom, func(ns *shimNamespace) error {
		if slices.ContainsFunc(ns.Addresses, func(a domain.AddressRecord) bool { return a.Name == rec.Name }) {
			return fmt.Errorf("address %q: %w", rec.Name, domain.ErrAlreadyExists)
		}
		ns.Addresses = append(ns.Addresses, rec)
		f.log.Info().Str("vdom", dom).Str("address", rec.Name).Msg("address created")
		return nil
	})
}

// CreateAddressGroup adds a group whose members must already exist.
func (f *FileShim) CreateAddressGroup(_ context.Context, v domain.Version, rec domain.AddressGroupRecord, dom string) error {
	return f.update(v, dom, func(ns *shimNamespace) error {
		if slices.ContainsFunc(ns.Groups, func(g domain.AddressGroupRecord) bool { return g.Name == rec.Name }) {
			return fmt.Errorf("group %q: %w", rec.Name, domain.ErrAlreadyExists)
		}
		if err := checkMembers(ns, rec.Members); err != nil {
			return err
		}
		ns.Groups = append(ns.Groups, rec.Clone())
		f.log.Info().Str("vdom", dom).Str("group", rec.Name).Int("members", len(rec.Members)).Msg("group created")
		return nil
	})
}

// UpdateAddressGroup replaces group name.
func (f *FileShim) UpdateAddressGroup(_ context.Context, v domain.Version, name string, rec domain.AddressGroupRecord, dom string) error {
	return f.update(v, dom, func(ns *shimNamespace) error {
		i := slices.IndexFunc(ns.Groups, func(g domain.AddressGroupRecord) bool { return g.Name == name })
		if i < 0 {
			return fmt.Errorf("group %q: %w", name, domain.ErrNotFound)
		}
		if err := checkMembers(ns, rec.Members); err != nil {
			return err
		}
		ns.Groups[i] = rec.Clone()
		f.log.Info().Str("vdom", dom).Str("group", name).Int("members", len(rec.Members)).Msg("group updated")
		return nil
	})
}

// DeleteAddress removes an address unless a group references it.
func (f *FileShim) DeleteAddress(_ context.Context, v domain.Version, name, dom string) error {
	return f.update(v, dom, func(ns *shimNamespace) error {
		i := slices.IndexFunc(ns.Addresses, func(a domain.AddressRecord) bool { return a.Name == name })
		if i < 0 {
			return fmt.Errorf("address %q: %w", name, domain.ErrNotFound)
		}
		for _, g := range ns.Groups {
			if g.HasMember(name) {
				return fmt.Errorf("address %q is referenced by group %q", name, g.Name)
			}
		}
		ns.Addresses = slices.Delete(ns.Addresses, i, i+1)
		f.log.Info().Str("vdom", dom).Str("address", name).Msg("address deleted")
		return nil
	})
}

func checkMembers(ns *shimNamespace, members []string) error {
	var err error
	for _, m := range members {
		if !slices.ContainsFunc(ns.Addresses, func(a domain.AddressRecord) bool { return a.Name == m }) {
			err = multierr.Append(err, fmt.Errorf("member %q: %w", m, domain.ErrNotFound))
		}
	}
	return err
}
