// Package botscore computes the synchronous, header-based half of a client's
// bot suspicion score.
//
// The other half arrives asynchronously from the client-side behavioral
// analysis and is merged by the tracker; both sources go through the same
// max() merge so a score only ever rises within a tracking window.
package botscore

import (
	"net/http"
	"regexp"
	"strings"
)

// HeaderPenalty is the flat score assigned when any header heuristic fires.
const HeaderPenalty = 30

// Flag names reported alongside a heuristic score.
const (
	FlagHeadlessUserAgent   = "headless_user_agent"
	FlagMissingUserAgent    = "missing_user_agent"
	FlagMissingAcceptHeader = "missing_accept_headers"
	FlagBadAcceptLanguage   = "suspicious_accept_language"
	FlagAutomationHeader    = "automation_header"
)

// Scorer scores a request from its headers. Implementations must be safe for
// concurrent use.
type Scorer interface {
	Score(h http.Header) (score float64, flags []string)
}

var headlessSignatures = []string{
	"headlesschrome",
	"phantomjs",
	"selenium",
	"webdriver",
	"puppeteer",
	"playwright",
	"slimerjs",
	"htmlunit",
	"nightmare",
	"zombie.js",
}

var automationHeaders = []string{
	"X-Selenium-Id",
	"X-Puppeteer",
	"X-Playwright",
	"X-Webdriver",
	"Webdriver",
	"X-Devtools-Emulate-Network-Conditions-Client-Id",
}

// A plausible Accept-Language is a comma separated list of language ranges
// with optional q-values, e.g. "en-US,en;q=0.9".
var acceptLanguagePattern = regexp.MustCompile(`^[a-zA-Z]{1,8}(-[a-zA-Z0-9]{1,8})*(;q=[01](\.\d{1,3})?)?(\s*,\s*([a-zA-Z]{1,8}(-[a-zA-Z0-9]{1,8})*|\*)(;q=[01](\.\d{1,3})?)?)*$`)

// Heuristics is the default header scorer.
type Heuristics struct{}

// NewHeuristics returns the default header scorer.
func NewHeuristics() *Heuristics {
	return &Heuristics{}
}

// Score returns HeaderPenalty and the triggered flags when at least one
// heuristic fires, otherwise zero and no flags.
func (Heuristics) Score(h http.Header) (float64, []string) {
	var flags []string

	ua := strings.ToLower(h.Get("User-Agent"))
	if ua == "" {
		flags = append(flags, FlagMissingUserAgent)
	} else {
		for _, sig := range headlessSignatures {
			if strings.Contains(ua, sig) {
				flags = append(flags, FlagHeadlessUserAgent)
				break
			}
		}
	}

	missing := 0
	for _, name := range []string{"Accept", "Accept-Language", "Accept-Encoding"} {
		if strings.TrimSpace(h.Get(name)) == "" {
			missing++
		}
	}
	if missing >= 2 {
		flags = append(flags, FlagMissingAcceptHeader)
	}

	if !plausibleAcceptLanguage(h.Get("Accept-Language")) {
		flags = append(flags, FlagBadAcceptLanguage)
	}

	for _, name := range automationHeaders {
		if h.Get(name) != "" {
			flags = append(flags, FlagAutomationHeader)
			break
		}
	}

	if len(flags) == 0 {
		return 0, nil
	}
	return HeaderPenalty, flags
}

func plausibleAcceptLanguage(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return false
	}
	return acceptLanguagePattern.MatchString(v)
}
