package plans

import "strings"

// Limits holds per-plan resource caps. -1 means unlimited.
type Limits struct {
	Agents         int `json:"agents"`
	Workflows      int `json:"workflows"`
	MCPServers     int `json:"mcp_servers"`
	Projects       int `json:"projects"`
	FileStorageMB  int `json:"file_storage_mb"`
	MonthlyCredits int `json:"monthly_credits"`
	KnowledgeFiles int `json:"knowledge_files"`
	TeamMembers    int `json:"team_members"`
}

type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	PriceMonthly int      `json:"price_monthly"` // cents
	PriceYearly  int      `json:"price_yearly"`  // cents
	IsCustom     bool     `json:"is_custom"`
	Highlight    bool     `json:"highlight"`
	Description  string   `json:"description"`
	Limits       Limits   `json:"limits"`
	Features     []string `json:"features"`
}

const (
	Free       = "free"
	Individual = "individual"
	Business   = "business"
)

var order = map[string]int{Free: 0, Individual: 1, Business: 2}

// Catalog lists plans in display order.
var Catalog = []Plan{
	{
		ID:           Free,
		Name:         "Free",
		PriceMonthly: 0,
		Description:  "Learn AI fundamentals and build your first agent",
		Limits: Limits{
			Agents:         1,
			Workflows:      2,
			MCPServers:     2,
			Projects:       1,
			FileStorageMB:  50,
			MonthlyCredits: 500,
			KnowledgeFiles: 5,
			TeamMembers:    1,
		},
		Features: []string{
			"3 Starter Missions",
			"1 Live Agent",
			"1,000 test runs/month",
			"Canvas preview (read-only)",
			"Basic playground",
			"5 knowledge files",
		},
	},
	{
		ID:           Individual,
		Name:         "Individual",
		PriceMonthly: 1900,
		PriceYearly:  18000,
		Highlight:    true,
		Description:  "Master AI agents with full curriculum access",
		Limits: Limits{
			Agents:         -1,
			Workflows:      20,
			MCPServers:     10,
			Projects:       5,
			FileStorageMB:  500,
			MonthlyCredits: 5000,
			KnowledgeFiles: 50,
			TeamMembers:    1,
		},
		Features: []string{
			"Full Mission Library (20+)",
			"Unlimited Agents",
			"Unlimited test runs",
			"Full Canvas editor",
			"AI Agent Academy",
			"Community access",
			"Export & embed agents",
			"50 knowledge files",
			"Email support",
		},
	},
	{
		ID:          Business,
		Name:        "Business",
		IsCustom:    true,
		Description: "Transform your team's AI capabilities",
		Limits: Limits{
			Agents:         -1,
			Workflows:      -1,
			MCPServers:     -1,
			Projects:       -1,
			FileStorageMB:  -1,
			MonthlyCredits: -1,
			KnowledgeFiles: -1,
			TeamMembers:    -1,
		},
		Features: []string{
			"Everything in Individual",
			"Team workspaces",
			"Custom missions",
			"Priority support",
			"SSO & audit logs",
		},
	},
}

func Get(id string) (Plan, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range Catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// Satisfies reports whether a user on plan `have` may use a feature gated at
// plan `need`. Unknown plan ids never satisfy anything above free.
func Satisfies(have, need string) bool {
	h, ok := order[strings.ToLower(strings.TrimSpace(have))]
	if !ok {
		h = 0
	}
	n, ok := order[strings.ToLower(strings.TrimSpace(need))]
	if !ok {
		n = 0
	}
	return h >= n
}

// Allows reports whether creating one more resource is within the cap.
func Allows(limit, current int) bool {
	if limit < 0 {
		return true
	}
	return current < limit
}
