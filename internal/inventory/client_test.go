package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/extractor"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestClient_SearchPaginatesWithBasicAuth(t *testing.T) {
	query := extractor.SearchQuery(domain.ResourceGroup, "env", "web")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pw", pass)
		assert.Equal(t, localSearchPath, r.URL.Path)
		assert.Equal(t, query, r.URL.Query().Get("query"))

		switch r.URL.Query().Get("cursor") {
		case "":
			writeJSON(t, w, map[string]any{
				"cursor": "p2",
				"results": []map[string]any{{
					"id": "g1", "display_name": "web", "resource_type": "Group",
					"tags":       []map[string]string{{"scope": "env", "tag": "web"}},
					"expression": []map[string]any{{"resource_type": "IPAddressExpression", "ip_addresses": []string{"10.0.0.1"}}},
				}},
			})
		case "p2":
			writeJSON(t, w, map[string]any{
				"results": []map[string]any{{"id": "g2", "display_name": "web2", "resource_type": "Group"}},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	c := New(context.Background(), srv.URL, Options{Username: "admin", Password: "pw"}, zerolog.Nop())
	defer c.Close()

	found, err := c.Search(context.Background(), query, false)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, domain.ResourceGroup, found[0].Type)
	assert.True(t, found[0].HasTag("env", "web"))
	assert.Equal(t, []string{"10.0.0.1"}, found[0].ExpressionIPs)
	assert.Equal(t, "g2", found[1].ID)
}

func TestClient_GlobalSearchUsesOAuth2(t *testing.T) {
	var tokenRequests int
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		writeJSON(t, w, map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc(globalSearchPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(t, w, map[string]any{"results": []any{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(context.Background(), srv.URL, Options{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL + "/oauth/token"}, zerolog.Nop())
	_, err := c.Search(context.Background(), "resource_type:Group", true)
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "resource_type:Group", true)
	require.NoError(t, err)
	assert.Equal(t, 1, tokenRequests)
}

func TestClient_ListGroupMembersResolvesOwners(t *testing.T) {
	var vmLookups int
	mux := http.NewServeMux()
	mux.HandleFunc(groupsPath+"g1/members/ip-addresses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"results": []string{"10.0.0.9"}})
	})
	mux.HandleFunc(groupsPath+"g1/members/virtual-network-interfaces", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"results": []map[string]any{
			{"external_id": "vif-1", "owner_vm_id": "vm-1", "ip_address_info": []map[string]any{{"ip_addresses": []string{"10.0.0.1"}}}},
			{"external_id": "vif-2", "owner_vm_id": "vm-1", "ip_address_info": []map[string]any{{"ip_addresses": []string{"10.0.0.2"}}}},
		}})
	})
	mux.HandleFunc(vmPath, func(w http.ResponseWriter, r *http.Request) {
		vmLookups++
		assert.Equal(t, "vm-1", r.URL.Query().Get("external_id"))
		writeJSON(t, w, map[string]any{"results": []map[string]any{{"display_name": "db-01"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	members, err := New(context.Background(), srv.URL, Options{}, zerolog.Nop()).ListGroupMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9"}, members.IPs)
	require.Len(t, members.VIFs, 2)
	assert.Equal(t, "db-01", members.VIFs[0].OwnerName)
	assert.Equal(t, "db-01", members.VIFs[1].OwnerName)
	assert.Equal(t, []string{"10.0.0.2"}, members.VIFs[1].IPAddresses)
	assert.Equal(t, 1, vmLookups)
}

func TestClient_GlobalTopology(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(sitesPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"results": []map[string]string{{"id": "site-a", "path": "/global-infra/sites/site-a"}}})
	})
	mux.HandleFunc(sitesPath+"/site-a/enforcement-points", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"results": []map[string]string{{"id": "default", "path": "/global-infra/sites/site-a/enforcement-points/default"}}})
	})
	mux.HandleFunc(globalPolicyRoot+"/global-infra/domains/default/groups/web/members/ip-addresses", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/global-infra/sites/site-a/enforcement-points/default", r.URL.Query().Get("enforcement_point_path"))
		writeJSON(t, w, map[string]any{"results": []string{"10.1.0.1"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := New(ctx, srv.URL, Options{}, zerolog.Nop())

	sites, err := c.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)

	eps, err := c.ListEnforcementPoints(ctx, sites[0].ID)
	require.NoError(t, err)
	require.Len(t, eps, 1)

	ips, err := c.ListEnforcementPointMembers(ctx, "/global-infra/domains/default/groups/web", eps[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.0.1"}, ips)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := New(context.Background(), srv.URL, Options{}, zerolog.Nop()).ListVirtualInterfaces(context.Background(), "vm-1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, vifPath, apiErr.Endpoint)
}
