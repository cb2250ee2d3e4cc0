package gateway

import "time"

// Category selects the TTL and the backend route of a request.
type Category string

const (
	Sentiment        Category = "sentiment"
	Leads            Category = "leads"
	Phishing         Category = "phishing"
	PhishingEnsemble Category = "phishing-ensemble"
)

// A zero TTL means never cached.
var categoryTTL = map[Category]time.Duration{
	Sentiment:        time.Hour,
	Leads:            24 * time.Hour,
	Phishing:         24 * time.Hour,
	PhishingEnsemble: 0,
}

// Fast processor paths of the single-call categories.
var categoryPath = map[Category]string{
	Sentiment: "/analyze",
	Leads:     "/score-lead",
	Phishing:  "/detect-phishing",
}

func (c Category) String() string {
	return string(c)
}

// TTL returns how long results of c are cached.
func (c Category) TTL() time.Duration {
	return categoryTTL[c]
}
