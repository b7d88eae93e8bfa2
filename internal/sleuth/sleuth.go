package sleuth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
	"github.com/ResistanceIsUseless/ProxyScout/internal/requestor"
)

// Sleuth resolves location, ASN and organization metadata for an IP by
// querying public lookup endpoints. The first successful response with a
// recognized schema is authoritative; partial results are retained.
// Results are cached in-process keyed by IP for the session.
type Sleuth struct {
	requestor *requestor.Requestor
	timeout   time.Duration
	endpoints []endpoint

	cacheMutex sync.RWMutex
	cache      map[string]*proxy.Metadata
}

type endpoint struct {
	name   string
	url    func(ip string) string
	parser func(body []byte) (*proxy.Metadata, error)
}

// New creates a Sleuth backed by the default public lookup endpoints
func New(req *requestor.Requestor, timeout time.Duration) *Sleuth {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Sleuth{
		requestor: req,
		timeout:   timeout,
		cache:     make(map[string]*proxy.Metadata),
	}
	s.endpoints = []endpoint{
		{
			name:   "ip-api",
			url:    func(ip string) string { return "http://ip-api.com/json/" + ip },
			parser: parseIPAPI,
		},
		{
			name:   "ipwhois",
			url:    func(ip string) string { return "https://ipwho.is/" + ip },
			parser: parseIPWhois,
		},
	}
	return s
}

// Lookup populates metadata for an IP. A missing city does not
// invalidate an ASN; whatever fields the endpoint knows are kept.
func (s *Sleuth) Lookup(ctx context.Context, ip string) (*proxy.Metadata, error) {
	if net.ParseIP(ip) == nil {
		return nil, errors.NewAddressError(errors.ErrorAddressInvalid,
			"sleuth requires an IP literal", ip)
	}

	s.cacheMutex.RLock()
	if cached, exists := s.cache[ip]; exists {
		s.cacheMutex.RUnlock()
		clone := *cached
		return &clone, nil
	}
	s.cacheMutex.RUnlock()

	client, err := s.requestor.Build(nil, s.timeout)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ep := range s.endpoints {
		lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, err := s.requestor.Get(lookupCtx, client, ep.url(ip), "", nil)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Status < 200 || resp.Status > 299 {
			lastErr = errors.NewProtocolError(errors.ErrorBadStatus,
				fmt.Sprintf("%s returned status %d", ep.name, resp.Status), ep.url(ip), nil)
			continue
		}

		metadata, err := ep.parser(resp.Body)
		if err != nil {
			lastErr = err
			continue
		}

		s.cacheMutex.Lock()
		s.cache[ip] = metadata
		s.cacheMutex.Unlock()

		clone := *metadata
		return &clone, nil
	}

	return nil, errors.NewProtocolError(errors.ErrorJudgeBadResponse,
		"no lookup endpoint produced usable metadata", "", lastErr).WithDetail("ip", ip)
}

// PublicIP returns the caller's own public address as seen by an
// external echo endpoint. Used as the judge baseline fallback.
func (s *Sleuth) PublicIP(ctx context.Context) (string, error) {
	client, err := s.requestor.Build(nil, s.timeout)
	if err != nil {
		return "", err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.requestor.Get(lookupCtx, client, "https://api.ipify.org?format=json", "", nil)
	if err != nil {
		return "", err
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.IP == "" {
		return "", errors.NewParseError(errors.ErrorJudgeResponseMalformed,
			"echo endpoint returned no IP", string(resp.Body), err)
	}
	return payload.IP, nil
}

// CacheSize returns the number of cached lookups
func (s *Sleuth) CacheSize() int {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()
	return len(s.cache)
}

// ipAPIResponse mirrors http://ip-api.com/json output
type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	AS         string  `json:"as"`
	Org        string  `json:"org"`
	ISP        string  `json:"isp"`
}

func parseIPAPI(body []byte) (*proxy.Metadata, error) {
	var response ipAPIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.NewParseError(errors.ErrorJudgeResponseMalformed,
			"unrecognized ip-api schema", "", err)
	}
	if response.Status != "success" {
		return nil, errors.NewProtocolError(errors.ErrorBadStatus,
			"ip-api lookup failed: "+response.Message, "", nil)
	}

	metadata := &proxy.Metadata{
		Country:   response.Country,
		Region:    response.RegionName,
		City:      response.City,
		Latitude:  response.Lat,
		Longitude: response.Lon,
	}

	// "AS13335 Cloudflare, Inc.": number first, name after
	if fields := strings.SplitN(response.AS, " ", 2); len(fields) > 0 && strings.HasPrefix(fields[0], "AS") {
		metadata.ASN = fields[0]
	}
	if response.Org != "" {
		metadata.Organization = response.Org
	} else {
		metadata.Organization = response.ISP
	}

	return metadata, nil
}

// ipWhoisResponse mirrors https://ipwho.is output
type ipWhoisResponse struct {
	Success    bool    `json:"success"`
	Country    string  `json:"country"`
	Region     string  `json:"region"`
	City       string  `json:"city"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Connection struct {
		ASN    int    `json:"asn"`
		Org    string `json:"org"`
		ISP    string `json:"isp"`
		Domain string `json:"domain"`
	} `json:"connection"`
}

func parseIPWhois(body []byte) (*proxy.Metadata, error) {
	var response ipWhoisResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.NewParseError(errors.ErrorJudgeResponseMalformed,
			"unrecognized ipwho.is schema", "", err)
	}
	if !response.Success {
		return nil, errors.NewProtocolError(errors.ErrorBadStatus,
			"ipwho.is lookup failed", "", nil)
	}

	metadata := &proxy.Metadata{
		Country:   response.Country,
		Region:    response.Region,
		City:      response.City,
		Latitude:  response.Latitude,
		Longitude: response.Longitude,
	}
	if response.Connection.ASN != 0 {
		metadata.ASN = fmt.Sprintf("AS%d", response.Connection.ASN)
	}
	if response.Connection.Org != "" {
		metadata.Organization = response.Connection.Org
	} else {
		metadata.Organization = response.Connection.ISP
	}

	return metadata, nil
}
