// Package firewall talks to a firewall's address-object management API.
package firewall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/reconciler"
)

const apiBase = "/api/v2/cmdb/firewall/"

// Options configure a Client.
type Options struct {
	Token       string
	Timeout     time.Duration
	InsecureTLS bool
}

// Client is a REST client for one firewall target.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// Ensure Client implements reconciler.Firewall.
var _ reconciler.Firewall = (*Client)(nil)

// New creates a client for the firewall at baseURL.
func New(baseURL string, opts Options, logger zerolog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // lab firewalls use self-signed certificates
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   opts.Token,
		http:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		log:     logger.With().Str("component", "firewall").Str("url", baseURL).Logger(),
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// APIError is a non-2xx response from the firewall.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firewall %s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
}

// addressPayload is the wire form of an address object. v4 objects carry
// Subnet, v6 objects carry IP6.
type addressPayload struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Subnet  string `json:"subnet,omitempty"`
	IP6     string `json:"ip6,omitempty"`
	StartIP string `json:"start-ip,omitempty"`
	EndIP   string `json:"end-ip,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type memberRef struct {
	Name string `json:"name"`
}

type groupPayload struct {
	Name    string      `json:"name"`
	Comment string      `json:"comment,omitempty"`
	Member  []memberRef `json:"member"`
}

type listResponse[T any] struct {
	Status  string `json:"status"`
	Results []T    `json:"results"`
}

func addressTable(v domain.Version) string {
	if v == domain.V6 {
		return "address6"
	}
	return "address"
}

func groupTable(v domain.Version) string {
	if v == domain.V6 {
		return "addrgrp6"
	}
	return "addrgrp"
}

func toPayload(rec domain.AddressRecord) addressPayload {
	p := addressPayload{Name: rec.Name, Comment: rec.Comment}
	switch {
	case rec.Kind == domain.KindRange:
		p.Type, p.StartIP, p.EndIP = "iprange", rec.StartIP, rec.EndIP
	case rec.Version == domain.V6:
		p.Type, p.IP6 = "ipprefix", rec.Prefix
	default:
		p.Type, p.Subnet = "ipmask", rec.Subnet
	}
	return p
}

func fromPayload(v domain.Version, p addressPayload) domain.AddressRecord {
	rec := domain.AddressRecord{Name: p.Name, Version: v, Kind: domain.KindSingle, Comment: p.Comment}
	switch {
	case p.Type == "iprange":
		rec.Kind, rec.StartIP, rec.EndIP = domain.KindRange, p.StartIP, p.EndIP
	case v == domain.V6:
		rec.Prefix = p.IP6
	default:
		rec.Subnet = p.Subnet
	}
	return rec
}

func toGroupPayload(g domain.AddressGroupRecord) groupPayload {
	p := groupPayload{Name: g.Name, Comment: g.Comment, Member: make([]memberRef, 0, len(g.Members))}
	for _, m := range g.Members {
		p.Member = append(p.Member, memberRef{Name: m})
	}
	return p
}

func fromGroupPayload(p groupPayload) domain.AddressGroupRecord {
	g := domain.AddressGroupRecord{Name: p.Name, Comment: p.Comment, Members: make([]string, 0, len(p.Member))}
	for _, m := range p.Member {
		g.Members = append(g.Members, m.Name)
	}
	return g
}

// ListAddresses returns every address object in one namespace of dom.
func (c *Client) ListAddresses(ctx context.Context, v domain.Version, dom string) ([]domain.AddressRecord, error) {
	var resp listResponse[addressPayload]
	if err := c.do(ctx, http.MethodGet, addressTable(v), dom, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.AddressRecord, 0, len(resp.Results))
	for _, p := range resp.Results {
		out = append(out, fromPayload(v, p))
	}
	return out, nil
}

// ListAddressGroups returns every address group in one namespace of dom.
func (c *Client) ListAddressGroups(ctx context.Context, v domain.Version, dom string) ([]domain.AddressGroupRecord, error) {
	var resp listResponse[groupPayload]
	if err := c.do(ctx, http.MethodGet, groupTable(v), dom, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.AddressGroupRecord, 0, len(resp.Results))
	for _, p := range resp.Results {
		out = append(out, fromGroupPayload(p))
	}
	return out, nil
}

// CreateAddress creates an address object.
func (c *Client) CreateAddress(ctx context.Context, rec domain.AddressRecord, dom string) error {
	return c.do(ctx, http.MethodPost, addressTable(rec.Version), dom, toPayload(rec), nil)
}

// CreateAddressGroup creates an address group with its members.
func (c *Client) CreateAddressGroup(ctx context.Context, v domain.Version, rec domain.AddressGroupRecord, dom string) error {
	return c.do(ctx, http.MethodPost, groupTable(v), dom, toGroupPayload(rec), nil)
}

// UpdateAddressGroup replaces the membership and comment of group name.
func (c *Client) UpdateAddressGroup(ctx context.Context, v domain.Version, name string, rec domain.AddressGroupRecord, dom string) error {
	return c.do(ctx, http.MethodPut, groupTable(v)+"/"+url.PathEscape(name), dom, toGroupPayload(rec), nil)
}

// DeleteAddress deletes an address object.
func (c *Client) DeleteAddress(ctx context.Context, v domain.Version, name, dom string) error {
	return c.do(ctx, http.MethodDelete, addressTable(v)+"/"+url.PathEscape(name), dom, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, dom string, body, out any) error {
	endpoint := c.baseURL + apiBase + path + "?vdom=" + url.QueryEscape(dom)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("firewall %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Str("vdom", dom).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("firewall request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Endpoint: path, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
