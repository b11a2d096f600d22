package analyzer

import (
	"strings"

	"github.com/kx-labs/tracewatch/pkg/model"
)

// Priority orders use cases for operators. P0 raises an immediate alert on
// the bus before any batching.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
)

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	}
	return "P2"
}

// UseCase is a rule-matched classification of an anomaly, used to pick the
// prompt preamble and the operator priority.
type UseCase struct {
	Name     string
	Title    string
	Priority Priority
	Preamble string
}

var (
	useCasePaymentDown = UseCase{
		Name:     "payment_gateway_down",
		Title:    "Payment Gateway Down",
		Priority: P0,
		Preamble: "Payment gateway failures detected. Explain the likely cause and immediate mitigation for each:",
	}
	useCaseCertificate = UseCase{
		Name:     "certificate_tls",
		Title:    "Certificate/TLS Failure",
		Priority: P0,
		Preamble: "TLS/certificate errors detected. Explain the likely cause and immediate mitigation for each:",
	}
	useCaseRateLimit = UseCase{
		Name:     "rate_limit_dos",
		Title:    "Rate Limit / Possible DoS",
		Priority: P0,
		Preamble: "Gateway rate limiting triggered, possible abuse. Explain the likely cause and immediate mitigation for each:",
	}
	useCaseAuthDown = UseCase{
		Name:     "auth_down",
		Title:    "Auth Down",
		Priority: P0,
		Preamble: "Authentication service failures detected. Explain the likely cause and immediate mitigation for each:",
	}
	useCaseCloudDegradation = UseCase{
		Name:     "cloud_degradation",
		Title:    "Cloud Degradation",
		Priority: P1,
		Preamble: "Severe latency degradation detected, possibly infrastructure-wide. Explain the likely cause for each:",
	}
	useCaseQueueBacklog = UseCase{
		Name:     "queue_backlog",
		Title:    "Queue Backlog",
		Priority: P1,
		Preamble: "Order pipeline latency anomalies detected, possible queue backlog. Explain the likely cause for each:",
	}
	useCaseThirdParty = UseCase{
		Name:     "third_party_timeout",
		Title:    "Third-Party Timeout",
		Priority: P1,
		Preamble: "External dependency timeouts detected. Explain the likely cause for each:",
	}
	useCaseDatabase = UseCase{
		Name:     "database",
		Title:    "Database Slowdown",
		Priority: P2,
		Preamble: "Slow database operations detected. Explain the likely cause for each:",
	}
	useCaseGeneric = UseCase{
		Name:     "generic",
		Title:    "Latency Anomaly",
		Priority: P2,
		Preamble: "Latency anomalies detected. Explain the likely cause for each:",
	}
)

// Classify matches an anomaly against the use-case rules, first match wins.
func Classify(a model.Anomaly) UseCase {
	var (
		service   = strings.ToLower(a.Service)
		operation = strings.ToLower(a.Operation)
		status    = a.Attributes.Int("http.status_code")
		errMsg    = strings.ToLower(a.Attributes.Str("error.message"))
	)

	switch {
	case strings.Contains(service, "payment") && (status >= 500 || a.Attributes.Bool("error")):
		return useCasePaymentDown
	case strings.Contains(errMsg, "cert") || strings.Contains(errMsg, "ssl"):
		return useCaseCertificate
	case strings.Contains(service, "gateway") && status == 429:
		return useCaseRateLimit
	case strings.Contains(service, "auth") && status >= 500:
		return useCaseAuthDown
	case a.Deviation > 5 && a.Value > 3*a.ExpectedMean:
		return useCaseCloudDegradation
	case strings.Contains(service, "matcher") || strings.Contains(service, "order"):
		return useCaseQueueBacklog
	case a.Value > 10_000 && (strings.Contains(operation, "external") || strings.Contains(operation, "api")):
		return useCaseThirdParty
	case strings.Contains(operation, "query") || strings.Contains(operation, "db"):
		return useCaseDatabase
	}
	return useCaseGeneric
}
