// Package computeruse evaluates browser-automation ComputerCalls against a
// per-workspace policy before they are allowed to run, and drives the
// actions themselves against a sandboxed browser.
package computeruse

import (
	"net/url"
	"strings"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/net/ssrf"
)

var (
	safeSchemes    = map[string]bool{"about": true, "data": true, "file": true, "chrome": true, "blob": true}
	allowedSchemes = map[string]bool{"http": true, "https": true}

	sensitiveAuthHints    = []string{"login", "signin", "auth", "oauth"}
	sensitivePaymentHints = []string{"checkout", "payment", "billing", "card", "purchase"}
	injectionPhrases      = []string{"ignore previous", "disregard instructions", "system prompt", "prompt injection"}
)

// ApprovalMode controls how aggressively require_ack is applied to calls
// that pass the hard block checks.
type ApprovalMode string

const (
	ApprovalAuto   ApprovalMode = "auto"
	ApprovalAlways ApprovalMode = "always"
	ApprovalOnRisk ApprovalMode = "on_risk"
)

// PolicyConfig is the per-workspace computer-use policy, normally sourced
// from Config.ComputerUse.
type PolicyConfig struct {
	AllowedDomains         []string
	BlockedDomains         []string
	ApprovalMode           ApprovalMode
	AllowLogin             bool
	AllowPayments          bool
	AllowIrreversible      bool
	AllowCredentials       bool
	DefaultDeny            bool
	PromptInjectionDetection bool
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, ".")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func domainMatches(hostname, domain string) bool {
	if hostname == "" || domain == "" {
		return false
	}
	return hostname == domain || strings.HasSuffix(hostname, "."+domain)
}

// IsDomainAllowed reports whether rawURL may be visited under cfg.
func IsDomainAllowed(rawURL string, cfg PolicyConfig) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return !cfg.DefaultDeny
	}

	scheme := strings.ToLower(parsed.Scheme)
	if safeSchemes[scheme] {
		return true
	}
	if !allowedSchemes[scheme] {
		return !cfg.DefaultDeny
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return !cfg.DefaultDeny
	}

	// Loopback/link-local/metadata hosts are never reachable regardless of
	// an operator's allow-list: an allow-list entry of "*" is meant to open
	// up the public web, not the orchestrator's own network namespace.
	if ssrf.IsBlockedHostname(hostname) || ssrf.IsPrivateIPAddress(hostname) {
		return false
	}

	for _, blocked := range normalizeDomains(cfg.BlockedDomains) {
		if domainMatches(hostname, blocked) {
			return false
		}
	}

	allowed := normalizeDomains(cfg.AllowedDomains)
	if len(allowed) == 0 {
		return !cfg.DefaultDeny
	}
	for _, domain := range allowed {
		if domain == "*" {
			return true
		}
		if domainMatches(hostname, domain) {
			return true
		}
	}
	return false
}

func looksLikeCredential(text string) bool {
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "password"), strings.Contains(lowered, "passwd"):
		return true
	case strings.Contains(lowered, "api") && strings.Contains(lowered, "key"):
		return true
	case strings.Contains(lowered, "secret"), strings.Contains(lowered, "token"):
		return true
	}
	if len(text) >= 20 && strings.ContainsAny(text, "0123456789") {
		return true
	}
	if strings.Contains(text, "@") && strings.Contains(text, ".") && len(text) >= 6 {
		return true
	}
	return false
}

func containsAny(text string, hints []string) bool {
	lowered := strings.ToLower(text)
	for _, h := range hints {
		if strings.Contains(lowered, h) {
			return true
		}
	}
	return false
}

func detectPromptInjection(summary string) bool {
	if summary == "" {
		return false
	}
	return containsAny(summary, injectionPhrases)
}

// severity mirrors the Python implementation's "medium"/"high" tiers used
// by the on_risk approval mode; every check this evaluator raises is high
// except prompt-injection signals, which are medium.
func severity(kind model.SafetyCheckKind) string {
	if kind == model.SafetyCheckInjection {
		return "medium"
	}
	return "high"
}

// Evaluate decides what to do with call under cfg. It is a direct
// structural port of the reference implementation's evaluate_policy: the
// same checks, in the same order, with the same block-before-ack-before-
// allow precedence.
func Evaluate(call model.ComputerCall, cfg PolicyConfig) model.PolicyDecision {
	var checks []model.PendingSafetyCheck

	if call.Action == model.ActionNavigate || call.Action == model.ActionWebSearch {
		if call.URL != "" && !IsDomainAllowed(call.URL, cfg) {
			checks = append(checks, model.PendingSafetyCheck{
				Kind: "external_domain", Message: "Domain is not in allowlist",
			})
		}
	}

	if call.Action == model.ActionType && call.Text != "" && looksLikeCredential(call.Text) {
		checks = append(checks, model.PendingSafetyCheck{
			Kind: model.SafetyCheckCredential, Message: "Typed text resembles credentials",
		})
	}

	if call.Action == model.ActionNavigate && call.URL != "" {
		if containsAny(call.URL, sensitiveAuthHints) {
			checks = append(checks, model.PendingSafetyCheck{
				Kind: model.SafetyCheckLogin, Message: "Login/auth flow detected",
			})
		}
		if containsAny(call.URL, sensitivePaymentHints) {
			checks = append(checks, model.PendingSafetyCheck{
				Kind: model.SafetyCheckPayment, Message: "Payment flow detected",
			})
		}
	}

	if call.CriticalPoint {
		checks = append(checks, model.PendingSafetyCheck{
			Kind: model.SafetyCheckIrreversible, Message: "Action marked as critical/irreversible",
		})
	}

	if cfg.PromptInjectionDetection && detectPromptInjection(call.ReasoningSummary) {
		checks = append(checks, model.PendingSafetyCheck{
			Kind: model.SafetyCheckInjection, Message: "Potential prompt injection signal",
		})
	}

	for _, check := range checks {
		switch {
		case check.Kind == "external_domain":
			return model.PolicyDecision{Verdict: model.PolicyBlock, Reason: "domain_blocked", PendingChecks: checks}
		case check.Kind == model.SafetyCheckPayment && !cfg.AllowPayments:
			return model.PolicyDecision{Verdict: model.PolicyBlock, Reason: "payments_blocked", PendingChecks: checks}
		case check.Kind == model.SafetyCheckLogin && !cfg.AllowLogin:
			return model.PolicyDecision{Verdict: model.PolicyBlock, Reason: "login_blocked", PendingChecks: checks}
		case check.Kind == model.SafetyCheckIrreversible && !cfg.AllowIrreversible:
			return model.PolicyDecision{Verdict: model.PolicyBlock, Reason: "irreversible_blocked", PendingChecks: checks}
		}
	}

	for _, check := range checks {
		if check.Kind == model.SafetyCheckCredential && !cfg.AllowCredentials {
			return model.PolicyDecision{Verdict: model.PolicyRequireAck, Reason: "credentials_require_approval", PendingChecks: checks}
		}
	}

	if call.Action == model.ActionTerminate {
		return model.PolicyDecision{Verdict: model.PolicyAllow, PendingChecks: checks}
	}

	if cfg.ApprovalMode == ApprovalAlways {
		return model.PolicyDecision{Verdict: model.PolicyRequireAck, Reason: "approval_always", PendingChecks: checks}
	}

	if cfg.ApprovalMode == ApprovalOnRisk {
		for _, check := range checks {
			if s := severity(check.Kind); s == "medium" || s == "high" {
				return model.PolicyDecision{Verdict: model.PolicyRequireAck, Reason: "risk_requires_approval", PendingChecks: checks}
			}
		}
		if call.CriticalPoint {
			return model.PolicyDecision{Verdict: model.PolicyRequireAck, Reason: "critical_point_requires_approval", PendingChecks: checks}
		}
	}

	return model.PolicyDecision{Verdict: model.PolicyAllow, PendingChecks: checks}
}
