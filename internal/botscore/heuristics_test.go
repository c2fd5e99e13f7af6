package botscore

import (
	"net/http"
	"slices"
	"testing"
)

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	return h
}

func TestHeuristics_Score(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(h http.Header)
		wantScore float64
		wantFlag  string
	}{
		{
			name:      "regular browser",
			mutate:    func(h http.Header) {},
			wantScore: 0,
		},
		{
			name: "headless chrome",
			mutate: func(h http.Header) {
				h.Set("User-Agent", "Mozilla/5.0 HeadlessChrome/126.0.0.0 Safari/537.36")
			},
			wantScore: HeaderPenalty,
			wantFlag:  FlagHeadlessUserAgent,
		},
		{
			name:      "missing user agent",
			mutate:    func(h http.Header) { h.Del("User-Agent") },
			wantScore: HeaderPenalty,
			wantFlag:  FlagMissingUserAgent,
		},
		{
			name: "two accept headers missing",
			mutate: func(h http.Header) {
				h.Del("Accept")
				h.Del("Accept-Encoding")
			},
			wantScore: HeaderPenalty,
			wantFlag:  FlagMissingAcceptHeader,
		},
		{
			name:      "one accept header missing is tolerated",
			mutate:    func(h http.Header) { h.Del("Accept-Encoding") },
			wantScore: 0,
		},
		{
			name:      "wildcard accept language",
			mutate:    func(h http.Header) { h.Set("Accept-Language", "*") },
			wantScore: HeaderPenalty,
			wantFlag:  FlagBadAcceptLanguage,
		},
		{
			name:      "garbage accept language",
			mutate:    func(h http.Header) { h.Set("Accept-Language", "%%%") },
			wantScore: HeaderPenalty,
			wantFlag:  FlagBadAcceptLanguage,
		},
		{
			name:      "automation header",
			mutate:    func(h http.Header) { h.Set("X-Selenium-Id", "abc") },
			wantScore: HeaderPenalty,
			wantFlag:  FlagAutomationHeader,
		},
	}

	scorer := NewHeuristics()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := browserHeaders()
			tt.mutate(h)

			score, flags := scorer.Score(h)
			if score != tt.wantScore {
				t.Errorf("Expected score %v, got %v (flags %v)", tt.wantScore, score, flags)
			}
			if tt.wantFlag != "" && !slices.Contains(flags, tt.wantFlag) {
				t.Errorf("Expected flag %q in %v", tt.wantFlag, flags)
			}
			if tt.wantScore == 0 && len(flags) != 0 {
				t.Errorf("Expected no flags, got %v", flags)
			}
		})
	}
}

func TestHeuristics_PenaltyIsFlat(t *testing.T) {
	h := http.Header{}
	h.Set("User-Agent", "puppeteer")
	h.Set("X-Puppeteer", "1")

	score, flags := NewHeuristics().Score(h)
	if score != HeaderPenalty {
		t.Errorf("Expected flat penalty %d regardless of flag count, got %v", HeaderPenalty, score)
	}
	if len(flags) < 3 {
		t.Errorf("Expected several flags, got %v", flags)
	}
}
