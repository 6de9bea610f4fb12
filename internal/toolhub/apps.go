package toolhub

// App is a catalog entry for a connectable external app.
type App struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Icon        string   `json:"icon"`
	Category    string   `json:"category"`
	Actions     []string `json:"actions"`
}

// AppCatalog lists the supported apps in display order.
var AppCatalog = []App{
	{
		Name:        "gmail",
		DisplayName: "Gmail",
		Description: "Read, search, and send emails",
		Icon:        "mail",
		Category:    "communication",
		Actions:     []string{"GMAIL_SEARCH", "GMAIL_SEND", "GMAIL_READ", "GMAIL_CREATE_DRAFT"},
	},
	{
		Name:        "googlecalendar",
		DisplayName: "Google Calendar",
		Description: "View and create calendar events",
		Icon:        "calendar",
		Category:    "productivity",
		Actions:     []string{"CALENDAR_GET_EVENTS", "CALENDAR_CREATE_EVENT", "CALENDAR_DELETE_EVENT"},
	},
	{
		Name:        "slack",
		DisplayName: "Slack",
		Description: "Send messages and manage channels",
		Icon:        "message-square",
		Category:    "communication",
		Actions:     []string{"SLACK_SEND_MESSAGE", "SLACK_LIST_CHANNELS", "SLACK_SEARCH"},
	},
	{
		Name:        "notion",
		DisplayName: "Notion",
		Description: "Read and write Notion pages",
		Icon:        "file-text",
		Category:    "productivity",
		Actions:     []string{"NOTION_GET_PAGE", "NOTION_CREATE_PAGE", "NOTION_UPDATE_PAGE"},
	},
	{
		Name:        "hubspot",
		DisplayName: "HubSpot",
		Description: "Manage contacts and deals",
		Icon:        "users",
		Category:    "crm",
		Actions:     []string{"HUBSPOT_GET_CONTACTS", "HUBSPOT_CREATE_CONTACT", "HUBSPOT_GET_DEALS"},
	},
	{
		Name:        "googledrive",
		DisplayName: "Google Drive",
		Description: "Access and manage files",
		Icon:        "hard-drive",
		Category:    "storage",
		Actions:     []string{"DRIVE_LIST_FILES", "DRIVE_DOWNLOAD", "DRIVE_UPLOAD"},
	},
	{
		Name:        "github",
		DisplayName: "GitHub",
		Description: "Manage repositories and issues",
		Icon:        "github",
		Category:    "development",
		Actions:     []string{"GITHUB_GET_REPOS", "GITHUB_CREATE_ISSUE", "GITHUB_GET_PR"},
	},
	{
		Name:        "linear",
		DisplayName: "Linear",
		Description: "Manage issues and projects",
		Icon:        "layout",
		Category:    "development",
		Actions:     []string{"LINEAR_GET_ISSUES", "LINEAR_CREATE_ISSUE", "LINEAR_UPDATE_ISSUE"},
	},
}

// AppByName looks up a catalog entry.
func AppByName(name string) (App, bool) {
	for _, a := range AppCatalog {
		if a.Name == name {
			return a, true
		}
	}
	return App{}, false
}
