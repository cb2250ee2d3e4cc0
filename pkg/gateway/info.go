package gateway

import C "github.com/pmkol/analysis-gateway/constant"

// Info is the descriptor served at the API root.
type Info struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Architecture string            `json:"architecture"`
	Demos        map[string]string `json:"demos"`
}

func (g *Gateway) Info() Info {
	return Info{
		Name:         C.ServiceName,
		Version:      C.Version,
		Architecture: "Go gateway + fast processor + AI service + ML ensemble",
		Demos: map[string]string{
			"sentiment":          "/api/sentiment (fast processor)",
			"leads":              "/api/leads (fast processor)",
			"phishing":           "/api/phishing (fast processor)",
			"phishing-ensemble":  "/api/phishing/ensemble (fast processor + ML ensemble)",
			"restaurant":         "/api/analyze-restaurant (AI service)",
			"email-scorer":       "/api/score-email (AI service)",
			"prompt-engineering": "/api/prompt-engineering (AI service)",
		},
	}
}
