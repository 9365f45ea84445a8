// Package inventory talks to virtualization inventory managers: local
// managers and the global coordinators that federate them.
package inventory

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/extractor"
)

const (
	localSearchPath  = "/policy/api/v1/search/query"
	globalSearchPath = "/global-manager/api/v1/search/query"
	vifPath          = "/api/v1/fabric/vifs"
	vmPath           = "/api/v1/fabric/virtual-machines"
	groupsPath       = "/policy/api/v1/infra/domains/default/groups/"
	sitesPath        = "/global-manager/api/v1/global-infra/sites"
	globalPolicyRoot = "/global-manager/api/v1"

	// maxPages bounds cursor pagination against a misbehaving server.
	maxPages = 1000
)

// Options configure a Client. OAuth2 client credentials take precedence
// over basic auth when ClientID is set.
type Options struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
	InsecureTLS  bool
}

// Client is a REST client for one inventory manager.
type Client struct {
	baseURL   string
	opts      Options
	http      *http.Client
	transport *http.Transport
	log       zerolog.Logger

	mu      sync.Mutex
	vmNames map[string]string
}

// Ensure Client implements extractor.Inventory.
var _ extractor.Inventory = (*Client)(nil)

// New creates a client for the manager at baseURL.
func New(ctx context.Context, baseURL string, opts Options, logger zerolog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // managers commonly use self-signed certificates
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: opts.Timeout, Transport: transport}
	if opts.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
		}
		tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: opts.Timeout, Transport: transport})
		httpClient = cc.Client(tokenCtx)
		httpClient.Timeout = opts.Timeout
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		opts:      opts,
		http:      httpClient,
		transport: transport,
		log:       logger.With().Str("component", "inventory").Str("url", baseURL).Logger(),
		vmNames:   make(map[string]string),
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// APIError is a non-2xx response from an inventory manager.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inventory %s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
}

type page[T any] struct {
	Results     []T    `json:"results"`
	Cursor      string `json:"cursor,omitempty"`
	ResultCount int    `json:"result_count,omitempty"`
}

type expression struct {
	ResourceType string   `json:"resource_type"`
	IPAddresses  []string `json:"ip_addresses,omitempty"`
}

type resourcePayload struct {
	domain.Resource
	Expression []expression `json:"expression,omitempty"`
}

func (p resourcePayload) resource() domain.Resource {
	r := p.Resource
	for _, e := range p.Expression {
		if e.ResourceType == "IPAddressExpression" {
			r.ExpressionIPs = append(r.ExpressionIPs, e.IPAddresses...)
		}
	}
	return r
}

type vifPayload struct {
	ExternalID    string `json:"external_id"`
	OwnerVMID     string `json:"owner_vm_id"`
	OwnerVMName   string `json:"owner_vm_name,omitempty"`
	IPAddressInfo []struct {
		IPAddresses []string `json:"ip_addresses"`
	} `json:"ip_address_info"`
}

func (p vifPayload) vif() domain.VirtualInterface {
	v := domain.VirtualInterface{ID: p.ExternalID, OwnerID: p.OwnerVMID, OwnerName: p.OwnerVMName}
	for _, info := range p.IPAddressInfo {
		v.IPAddresses = append(v.IPAddresses, info.IPAddresses...)
	}
	return v
}

type refPayload struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Search runs a tag query against the local or global search API.
func (c *Client) Search(ctx context.Context, query string, global bool) ([]domain.Resource, error) {
	path := localSearchPath
	if global {
		path = globalSearchPath
	}
	found, err := list[resourcePayload](ctx, c, path, url.Values{"query": {query}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Resource, 0, len(found))
	for _, p := range found {
		out = append(out, p.resource())
	}
	return out, nil
}

// ListVirtualInterfaces returns the interfaces of the VM with ownerID.
func (c *Client) ListVirtualInterfaces(ctx context.Context, ownerID string) ([]domain.VirtualInterface, error) {
	found, err := list[vifPayload](ctx, c, vifPath, url.Values{"owner_vm_id": {ownerID}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.VirtualInterface, 0, len(found))
	for _, p := range found {
		out = append(out, p.vif())
	}
	return out, nil
}

// ListGroupMembers returns the IP and interface members of a local group.
// Interface owners are resolved to VM display names where possible.
func (c *Client) ListGroupMembers(ctx context.Context, groupID string) (*domain.GroupMembers, error) {
	base := groupsPath + url.PathEscape(groupID) + "/members/"
	ips, err := list[string](ctx, c, base+"ip-addresses", nil)
	if err != nil {
		return nil, err
	}
	vifs, err := list[vifPayload](ctx, c, base+"virtual-network-interfaces", nil)
	if err != nil {
		return nil, err
	}
	members := &domain.GroupMembers{IPs: ips}
	for _, p := range vifs {
		v := p.vif()
		if v.OwnerName == "" && v.OwnerID != "" {
			v.OwnerName = c.vmName(ctx, v.OwnerID)
		}
		members.VIFs = append(members.VIFs, v)
	}
	return members, nil
}

// vmName looks up a VM display name by external ID. Lookups are cached for
// the life of the client; failures return "".
func (c *Client) vmName(ctx context.Context, externalID string) string {
	c.mu.Lock()
	name, ok := c.vmNames[externalID]
	c.mu.Unlock()
	if ok {
		return name
	}

	vms, err := list[domain.Resource](ctx, c, vmPath, url.Values{"external_id": {externalID}})
	if err != nil {
		c.log.Debug().Err(err).Str("vm", externalID).Msg("cannot resolve vm name")
		return ""
	}
	if len(vms) > 0 {
		name = vms[0].DisplayName
	}
	c.mu.Lock()
	c.vmNames[externalID] = name
	c.mu.Unlock()
	return name
}

// ListSites returns the sites federated under a global manager.
func (c *Client) ListSites(ctx context.Context) ([]domain.Site, error) {
	refs, err := list[refPayload](ctx, c, sitesPath, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Site, 0, len(refs))
	for _, r := range refs {
		out = append(out, domain.Site{ID: r.ID, Path: r.Path})
	}
	return out, nil
}

// ListEnforcementPoints returns the local managers registered to a site.
func (c *Client) ListEnforcementPoints(ctx context.Context, siteID string) ([]domain.EnforcementPoint, error) {
	refs, err := list[refPayload](ctx, c, sitesPath+"/"+url.PathEscape(siteID)+"/enforcement-points", nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EnforcementPoint, 0, len(refs))
	for _, r := range refs {
		out = append(out, domain.EnforcementPoint{ID: r.ID, Path: r.Path})
	}
	return out, nil
}

// ListEnforcementPointMembers returns the IPs a group resolves to on one
// enforcement point.
func (c *Client) ListEnforcementPointMembers(ctx context.Context, groupPath, epPath string) ([]string, error) {
	path := globalPolicyRoot + "/" + strings.TrimLeft(groupPath, "/") + "/members/ip-addresses"
	return list[string](ctx, c, path, url.Values{"enforcement_point_path": {epPath}})
}

// list fetches every page of a cursor-paginated collection.
func list[T any](ctx context.Context, c *Client, path string, params url.Values) ([]T, error) {
	var out []T
	cursor := ""
	for range maxPages {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var pg page[T]
		if err := c.get(ctx, path, q, &pg); err != nil {
			return nil, err
		}
		out = append(out, pg.Results...)
		if pg.Cursor == "" || len(pg.Results) == 0 {
			return out, nil
		}
		cursor = pg.Cursor
	}
	return nil, fmt.Errorf("inventory %s: more than %d pages", path, maxPages)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.ClientID == "" && c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inventory GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("inventory request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: http.MethodGet, Endpoint: path, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
