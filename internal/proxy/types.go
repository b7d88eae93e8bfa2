package proxy

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Type represents the outbound protocol used to reach a target
type Type string

const (
	TypeUnknown Type = "unknown"
	TypeHTTP    Type = "http"
	TypeHTTPS   Type = "https"
	TypeSOCKS4  Type = "socks4"
	TypeSOCKS5  Type = "socks5"
)

// Anonymity classifies what a proxy reveals about the client
type Anonymity string

const (
	AnonymityUnknown     Anonymity = "unknown"
	AnonymityTransparent Anonymity = "transparent"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityElite       Anonymity = "elite"
)

// State represents the lifecycle state of a proxy record
type State string

const (
	StateUntested   State = "untested"
	StateValidating State = "validating"
	StateAlive      State = "alive"
	StateFailing    State = "failing"
	StateDead       State = "dead"
)

// Credentials holds optional proxy authentication
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Key uniquely identifies a proxy: (kind, host, port, credentials).
// The pool holds at most one record per key.
type Key struct {
	Kind     Type
	Host     string
	Port     int
	Username string
	Password string
}

// String returns the key in proxy URL form
func (k Key) String() string {
	hostport := net.JoinHostPort(k.Host, fmt.Sprintf("%d", k.Port))
	if k.Username != "" || k.Password != "" {
		return fmt.Sprintf("%s://%s:%s@%s", k.Kind, k.Username, k.Password, hostport)
	}
	return fmt.Sprintf("%s://%s", k.Kind, hostport)
}

// Metadata carries location, ASN and ownership annotations for a host
type Metadata struct {
	Country      string  `json:"country,omitempty"`
	Region       string  `json:"region,omitempty"`
	City         string  `json:"city,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	ASN          string  `json:"asn,omitempty"`
	Organization string  `json:"organization,omitempty"`
	NetworkCIDR  string  `json:"network_cidr,omitempty"`
}

// Record is the mutable per-proxy value object carrying identity,
// measurements and lifecycle counters. Mutated only by the Manager
// under its internal lock; external holders receive copies.
type Record struct {
	Kind        Type         `json:"kind"`
	Host        string       `json:"host"`
	Port        int          `json:"port"`
	Credentials *Credentials `json:"credentials,omitempty"`

	Anonymity Anonymity `json:"anonymity"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	State     State     `json:"state"`

	ConsecutiveFailures int `json:"consecutive_failures"`
	SuccessCount        int `json:"success_count"`
	AttemptCount        int `json:"attempt_count"`

	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Metadata      *Metadata `json:"metadata,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastChecked   time.Time `json:"last_checked,omitempty"`
}

// Key returns the identity key for this record
func (r *Record) Key() Key {
	k := Key{Kind: r.Kind, Host: r.Host, Port: r.Port}
	if r.Credentials != nil {
		k.Username = r.Credentials.Username
		k.Password = r.Credentials.Password
	}
	return k
}

// URL formats the record as a proxy URL
func (r *Record) URL() string {
	return r.Key().String()
}

// SuccessRate returns success_count / attempt_count, or 0 for untried records
func (r *Record) SuccessRate() float64 {
	if r.AttemptCount == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.AttemptCount)
}

// InCooldown reports whether the record is excluded from scheduling at now
func (r *Record) InCooldown(now time.Time) bool {
	return !r.CooldownUntil.IsZero() && r.CooldownUntil.After(now)
}

// Stale reports whether the record was last checked longer than maxAge ago
// and therefore requires revalidation before re-use.
func (r *Record) Stale(now time.Time, maxAge time.Duration) bool {
	if r.LastChecked.IsZero() {
		return true
	}
	return now.Sub(r.LastChecked) > maxAge
}

// Eligible reports whether the record may be handed out for external
// consumption: alive, above the success-rate floor, and out of cooldown.
func (r *Record) Eligible(now time.Time, minSuccessRate float64) bool {
	return r.State == StateAlive &&
		r.SuccessRate() >= minSuccessRate &&
		!r.InCooldown(now)
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	clone := *r
	if r.Credentials != nil {
		creds := *r.Credentials
		clone.Credentials = &creds
	}
	if r.Metadata != nil {
		meta := *r.Metadata
		clone.Metadata = &meta
	}
	return &clone
}

// Redacted returns the record URL with any password replaced, for logs
func (r *Record) Redacted() string {
	if r.Credentials == nil {
		return r.URL()
	}
	hostport := net.JoinHostPort(r.Host, fmt.Sprintf("%d", r.Port))
	return fmt.Sprintf("%s://%s:***@%s", r.Kind, r.Credentials.Username, hostport)
}

// ParseType maps a URL scheme to a proxy Type
func ParseType(scheme string) Type {
	switch strings.ToLower(scheme) {
	case "http":
		return TypeHTTP
	case "https":
		return TypeHTTPS
	case "socks4":
		return TypeSOCKS4
	case "socks5":
		return TypeSOCKS5
	default:
		return TypeUnknown
	}
}
