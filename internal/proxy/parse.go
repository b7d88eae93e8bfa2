package proxy

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
)

// Parse accepts `scheme://[user:pass@]host:port` where scheme is one of
// http, https, socks4, socks5. Bare `host:port` defaults to HTTP. Host
// may be an IPv4 dotted-quad, a bracketed IPv6 address, or a DNS name.
func Parse(raw string) (*Record, error) {
	raw = strings.TrimSpace(strings.TrimRight(raw, "/"))
	if raw == "" {
		return nil, errors.NewParseError(errors.ErrorProxyURLInvalid,
			"proxy URL cannot be empty", raw, nil)
	}

	// Bare host:port defaults to HTTP
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewParseError(errors.ErrorProxyURLInvalid,
			"malformed proxy URL", raw, err)
	}

	kind := ParseType(parsed.Scheme)
	if kind == TypeUnknown {
		return nil, errors.NewParseError(errors.ErrorProxySchemeUnknown,
			"unsupported proxy scheme", parsed.Scheme, nil)
	}

	host := parsed.Hostname()
	if err := validateHost(host); err != nil {
		return nil, err
	}

	portStr := parsed.Port()
	if portStr == "" {
		return nil, errors.NewParseError(errors.ErrorProxyURLInvalid,
			"proxy URL must carry an explicit port", raw, nil)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, errors.NewAddressError(errors.ErrorPortOutOfRange,
			"port must be in 1-65535", portStr)
	}

	record := &Record{
		Kind:      kind,
		Host:      host,
		Port:      port,
		Anonymity: AnonymityUnknown,
		State:     StateUntested,
		FirstSeen: time.Now(),
	}

	if parsed.User != nil {
		password, _ := parsed.User.Password()
		username := parsed.User.Username()
		if username != "" || password != "" {
			record.Credentials = &Credentials{
				Username: username,
				Password: password,
			}
		}
	}

	return record, nil
}

// validateHost rejects hosts that are neither valid IPs nor plausible DNS names
func validateHost(host string) error {
	if host == "" {
		return errors.NewAddressError(errors.ErrorAddressInvalid,
			"proxy host cannot be empty", host)
	}
	if len(host) > 253 {
		return errors.NewAddressError(errors.ErrorAddressInvalid,
			"hostname exceeds 253 characters", host)
	}

	// IP literals (url.Hostname strips IPv6 brackets)
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if strings.Contains(host, ":") {
		// Colons only belong to IPv6 literals, which ParseIP rejected
		return errors.NewAddressError(errors.ErrorAddressInvalid,
			"invalid IPv6 address", host)
	}

	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return errors.NewAddressError(errors.ErrorAddressInvalid,
				"invalid DNS label", host)
		}
	}
	return nil
}
