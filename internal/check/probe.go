package check

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shipline/internal/domain"
)

const (
	defaultProbeTimeout = 5 * time.Second
	healthPath          = "/api/health"

	latencyWarnMs = 2000
	sslWarnDays   = 14
)

// ProbeExecutor checks targets over HTTP. One probe per Execute call,
// bounded by the client timeout.
type ProbeExecutor struct {
	Client *http.Client
	Now    func() time.Time
}

// NewProbeExecutor returns an executor with the standard 5s bound.
func NewProbeExecutor(timeout time.Duration) *ProbeExecutor {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &ProbeExecutor{Client: &http.Client{Timeout: timeout}}
}

func (p *ProbeExecutor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Execute probes the check target. Network and timeout errors are
// classified as critical observations, never returned as errors.
func (p *ProbeExecutor) Execute(ctx context.Context, c domain.GateCheck) (Result, error) {
	target := c.Target
	if target == "" {
		return Result{Status: domain.CheckWarning, Observation: "no target configured"}, nil
	}
	url := probeURL(target, c.Name)

	start := p.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client().Do(req)
	elapsed := p.now().Sub(start)
	if err != nil {
		return Result{
			Status:      domain.CheckCritical,
			Observation: fmt.Sprintf("probe failed: %v", err),
			Value:       float64(elapsed.Milliseconds()),
		}, nil
	}
	defer resp.Body.Close()

	if c.Name == TypeSSL {
		return p.classifySSL(resp), nil
	}
	if c.Name == TypeLatency {
		return classifyLatency(elapsed), nil
	}
	return classifyStatusCode(resp.StatusCode, elapsed), nil
}

func (p *ProbeExecutor) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: defaultProbeTimeout}
}

// probeURL appends the health path for runtime checks that target a
// bare product URL; explicit paths are probed as-is.
func probeURL(target, name string) string {
	if strings.Contains(target, "/api/") {
		return target
	}
	target = strings.TrimRight(target, "/")
	switch name {
	case TypeHealth, TypeLatency, TypeSSL:
		return target + healthPath
	default:
		return target + healthPath + "/" + name
	}
}

func classifyStatusCode(code int, elapsed time.Duration) Result {
	ms := float64(elapsed.Milliseconds())
	switch {
	case code >= 200 && code < 300:
		return Result{Status: domain.CheckHealthy, Observation: fmt.Sprintf("status %d in %dms", code, int64(ms)), Value: ms}
	case code >= 500:
		return Result{Status: domain.CheckCritical, Observation: fmt.Sprintf("status %d", code), Value: ms}
	default:
		return Result{Status: domain.CheckWarning, Observation: fmt.Sprintf("status %d", code), Value: ms}
	}
}

func classifyLatency(elapsed time.Duration) Result {
	ms := float64(elapsed.Milliseconds())
	obs := fmt.Sprintf("%dms round trip", int64(ms))
	if ms > latencyWarnMs {
		return Result{Status: domain.CheckWarning, Observation: obs, Value: ms}
	}
	return Result{Status: domain.CheckHealthy, Observation: obs, Value: ms}
}

func (p *ProbeExecutor) classifySSL(resp *http.Response) Result {
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		return Result{Status: domain.CheckCritical, Observation: "no TLS connection"}
	}
	cert := resp.TLS.PeerCertificates[0]
	daysLeft := cert.NotAfter.Sub(p.now()).Hours() / 24
	obs := fmt.Sprintf("certificate expires in %.0f days", daysLeft)
	switch {
	case daysLeft <= 0:
		return Result{Status: domain.CheckCritical, Observation: "certificate expired", Value: daysLeft}
	case daysLeft < sslWarnDays:
		return Result{Status: domain.CheckWarning, Observation: obs, Value: daysLeft}
	default:
		return Result{Status: domain.CheckHealthy, Observation: obs, Value: daysLeft}
	}
}
