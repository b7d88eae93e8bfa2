package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/logging"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
	"github.com/ResistanceIsUseless/ProxyScout/internal/requestor"
)

// Result is the outcome of a successful probe
type Result struct {
	Anonymity proxy.Anonymity
	LatencyMs int64
}

// Profile is the frozen per-session baseline captured at init
type Profile struct {
	EndpointURL        string
	BaselineHeaders    http.Header
	BaselineBodyDigest string
	ClientPublicIP     string
}

// Config represents judge configuration
type Config struct {
	URLs    []string
	Timeout time.Duration
}

// Judge classifies proxy anonymity and measures latency against a
// trusted echo endpoint. The unproxied baseline is captured once and
// frozen for the session.
type Judge struct {
	profile   Profile
	requestor *requestor.Requestor
	timeout   time.Duration
	logger    *logging.Logger
}

// Variables a proxy leaves behind in the judge dump. REMOTE_ADDR is
// handled separately; these are the proxy-presence indicators.
var indicatorKeys = []string{
	"HTTP_VIA",
	"HTTP_FORWARDED",
	"HTTP_X_FORWARDED_FOR",
	"HTTP_CLIENT_IP",
	"HTTP_X_REAL_IP",
	"HTTP_X_PROXY_ID",
	"HTTP_PROXY_CONNECTION",
	"VIA",
	"FORWARDED",
	"X_FORWARDED_FOR",
	"CLIENT_IP",
	"X_REAL_IP",
}

// New initializes a Judge by trying the configured endpoints in fallback
// order; the first to return a well-formed baseline wins. publicIPFallback
// resolves the caller's public IP when the judge body does not reveal it
// (a Sleuth lookup, typically); it may be nil.
func New(config Config, req *requestor.Requestor, logger *logging.Logger, publicIPFallback func(ctx context.Context) (string, error)) (*Judge, error) {
	if len(config.URLs) == 0 {
		return nil, errors.NewConfigError(errors.ErrorConfigInvalid,
			"at least one judge URL is required", nil)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	var lastErr error
	for _, judgeURL := range config.URLs {
		profile, err := captureBaseline(judgeURL, config.Timeout, req, publicIPFallback)
		if err != nil {
			logger.JudgeFallback(judgeURL, err)
			lastErr = err
			continue
		}

		logger.JudgeBaseline(judgeURL, profile.ClientPublicIP)
		return &Judge{
			profile:   *profile,
			requestor: req,
			timeout:   config.Timeout,
			logger:    logger,
		}, nil
	}

	return nil, errors.NewProtocolError(errors.ErrorJudgeUnreachable,
		"no configured judge produced a usable baseline", "", lastErr)
}

// captureBaseline fetches the judge endpoint without any proxy and
// records the caller's observed public IP.
func captureBaseline(judgeURL string, timeout time.Duration, req *requestor.Requestor, publicIPFallback func(ctx context.Context) (string, error)) (*Profile, error) {
	client, err := req.Build(nil, timeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := req.Get(ctx, client, judgeURL, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, errors.NewProtocolError(errors.ErrorJudgeBadResponse,
			fmt.Sprintf("judge returned status %d", resp.Status), judgeURL, nil)
	}

	vars := ParseVars(resp.Body)
	publicIP := vars["REMOTE_ADDR"]
	if publicIP == "" && publicIPFallback != nil {
		publicIP, err = publicIPFallback(ctx)
		if err != nil {
			return nil, errors.NewProtocolError(errors.ErrorJudgeBadResponse,
				"judge body lacks REMOTE_ADDR and public IP lookup failed", judgeURL, err)
		}
	}
	if publicIP == "" {
		return nil, errors.NewProtocolError(errors.ErrorJudgeBadResponse,
			"could not determine client public IP from judge baseline", judgeURL, nil)
	}

	digest := sha256.Sum256(resp.Body)
	return &Profile{
		EndpointURL:        judgeURL,
		BaselineHeaders:    resp.Headers,
		BaselineBodyDigest: hex.EncodeToString(digest[:]),
		ClientPublicIP:     publicIP,
	}, nil
}

// Profile returns the frozen session baseline
func (j *Judge) Profile() Profile {
	return j.profile
}

// Probe sends a GET through the proxy to the judge endpoint and scores
// the response. Transport failures are returned as-is so the caller's
// retry policy can distinguish them from protocol failures.
func (j *Judge) Probe(ctx context.Context, record *proxy.Record) (*Result, error) {
	client, err := j.requestor.Build(record, j.timeout)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	headers := map[string]string{
		"X-Request-ID": uuid.NewString(),
	}

	resp, err := j.requestor.Get(probeCtx, client, j.profile.EndpointURL, "", headers)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, errors.NewProtocolError(errors.ErrorJudgeBadResponse,
			fmt.Sprintf("judge returned status %d through proxy", resp.Status),
			j.profile.EndpointURL, nil).WithProxy(record.Redacted())
	}

	vars := ParseVars(resp.Body)
	anonymity, err := Classify(j.profile.ClientPublicIP, vars)
	if err != nil {
		return nil, err
	}

	return &Result{
		Anonymity: anonymity,
		LatencyMs: resp.Elapsed.Milliseconds(),
	}, nil
}

// Classify derives the anonymity class from the baseline public IP and
// the parsed judge variables. It is a pure function: identical inputs
// always yield identical output.
//
// The presence of the baseline IP anywhere dominates; indicator headers
// without the baseline IP yield Anonymous.
func Classify(baselineIP string, vars map[string]string) (proxy.Anonymity, error) {
	remoteAddr := strings.TrimSpace(vars["REMOTE_ADDR"])
	if remoteAddr == baselineIP {
		return proxy.AnonymityUnknown, errors.NewProtocolError(errors.ErrorNotAProxy,
			"judge observed the client's own address; endpoint is not proxying", "", nil)
	}

	for key, value := range vars {
		if key == "REMOTE_ADDR" {
			continue
		}
		if strings.Contains(value, baselineIP) {
			return proxy.AnonymityTransparent, nil
		}
	}

	for _, key := range indicatorKeys {
		if strings.TrimSpace(vars[key]) != "" {
			return proxy.AnonymityAnonymous, nil
		}
	}

	return proxy.AnonymityElite, nil
}
