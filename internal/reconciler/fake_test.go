package reconciler_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bcnelson/addrsync/internal/domain"
)

var errRejected = errors.New("rejected by firewall")

type nsStore struct {
	addrs  map[string]domain.AddressRecord
	groups map[string]domain.AddressGroupRecord
}

// memFirewall is an in-memory firewall with failure injection.
type memFirewall struct {
	mu sync.Mutex
	ns map[string]*nsStore

	failCreate     map[string]bool
	failUpdate     map[string]bool
	failDelete     map[string]bool
	failList       bool
	failGroupsCall int // fail the nth ListAddressGroups call (1-based), 0 = never
	groupCalls     int
	mutations      int
}

func newMemFirewall() *memFirewall {
	return &memFirewall{
		ns:         make(map[string]*nsStore),
		failCreate: make(map[string]bool),
		failUpdate: make(map[string]bool),
		failDelete: make(map[string]bool),
	}
}

func (f *memFirewall) store(v domain.Version, dom string) *nsStore {
	key := fmt.Sprintf("%s/%s", dom, v)
	s, ok := f.ns[key]
	if !ok {
		s = &nsStore{addrs: map[string]domain.AddressRecord{}, groups: map[string]domain.AddressGroupRecord{}}
		f.ns[key] = s
	}
	return s
}

func (f *memFirewall) seedAddress(dom string, rec domain.AddressRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(rec.Version, dom).addrs[rec.Name] = rec
}

func (f *memFirewall) seedGroup(v domain.Version, dom string, name string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(v, dom).groups[name] = domain.AddressGroupRecord{Name: name, Members: members}
}

func (f *memFirewall) ListAddresses(_ context.Context, v domain.Version, dom string) ([]domain.AddressRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errors.New("connection refused")
	}
	var out []domain.AddressRecord
	for _, a := range f.store(v, dom).addrs {
		out = append(out, a)
	}
	return out, nil
}

func (f *memFirewall) ListAddressGroups(_ context.Context, v domain.Version, dom string) ([]domain.AddressGroupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupCalls++
	if f.failGroupsCall == f.groupCalls {
		return nil, errors.New("timeout")
	}
	var out []domain.AddressGroupRecord
	for _, g := range f.store(v, dom).groups {
		out = append(out, g.Clone())
	}
	return out, nil
}

func (f *memFirewall) CreateAddress(_ context.Context, rec domain.AddressRecord, dom string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	if f.failCreate[rec.Name] {
		return errRejected
	}
	f.store(rec.Version, dom).addrs[rec.Name] = rec
	return nil
}

func (f *memFirewall) CreateAddressGroup(_ context.Context, v domain.Version, rec domain.AddressGroupRecord, dom string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	s := f.store(v, dom)
	for _, m := range rec.Members {
		if _, ok := s.addrs[m]; !ok {
			return fmt.Errorf("member %s does not exist", m)
		}
	}
	s.groups[rec.Name] = rec.Clone()
	return nil
}

func (f *memFirewall) UpdateAddressGroup(_ context.Context, v domain.Version, name string, rec domain.AddressGroupRecord, dom string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	if f.failUpdate[name] {
		return errRejected
	}
	f.store(v, dom).groups[name] = rec.Clone()
	return nil
}

func (f *memFirewall) DeleteAddress(_ context.Context, v domain.Version, name, dom string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	if f.failDelete[name] {
		return errRejected
	}
	s := f.store(v, dom)
	for _, g := range s.groups {
		if slices.Contains(g.Members, name) {
			return fmt.Errorf("address %s is in use", name)
		}
	}
	delete(s.addrs, name)
	return nil
}

func (f *memFirewall) hasAddress(v domain.Version, dom, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.store(v, dom).addrs[name]
	return ok
}

func (f *memFirewall) groupMembers(v domain.Version, dom, name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := slices.Clone(f.store(v, dom).groups[name].Members)
	slices.Sort(members)
	return members
}
