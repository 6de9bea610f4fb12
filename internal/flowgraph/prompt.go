package flowgraph

import (
	"regexp"
	"strings"
)

// GenerateSystemPrompt builds the agent's system prompt from the three Q&A
// answers plus an optional auto-generated tools description.
func GenerateSystemPrompt(who, rules, tricks, toolsDescription string) string {
	who = strings.TrimSpace(who)
	rules = strings.TrimSpace(rules)
	tricks = strings.TrimSpace(tricks)

	var b strings.Builder
	b.WriteString("You are " + who + ".\n\n")
	b.WriteString("## Your Rules and Knowledge\n")
	b.WriteString(rules)
	if tricks != "" {
		b.WriteString("\n\n## Your Tricks\n")
		b.WriteString(tricks)
	}
	b.WriteString("\n\n## Important Guidelines\n")
	b.WriteString("- Always stay in character as described above\n")
	b.WriteString("- Be helpful, friendly, and professional\n")
	b.WriteString("- If you don't know something, admit it honestly\n")
	b.WriteString("- Keep responses concise but informative\n")
	b.WriteString("- Ask clarifying questions when needed\n")
	b.WriteString("- Use your available tools when they can help answer questions")

	if toolsDescription != "" {
		b.WriteString("\n\n## Your Tools\n")
		b.WriteString("You have access to the following tools:\n")
		b.WriteString(toolsDescription)
		b.WriteString("\nUse these tools when appropriate to provide accurate, up-to-date information.")
	}

	return strings.TrimSpace(b.String())
}

var rolePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?:a|an)\s+(\w+)\s+assistant`), "$1 Charlie"},
	{regexp.MustCompile(`(?:a|an)\s+(\w+)\s+agent`), "$1 Charlie"},
	{regexp.MustCompile(`(?:a|an)\s+(\w+)\s+helper`), "$1 Charlie"},
	{regexp.MustCompile(`(?:a|an)\s+(\w+)\s+bot`), "$1 Charlie"},
	{regexp.MustCompile(`(\w+)\s+support`), "$1 Support Charlie"},
	{regexp.MustCompile(`(\w+)\s+expert`), "$1 Expert Charlie"},
}

// GenerateAgentName derives a short friendly name from the "who" answer.
// Rule-based on common role phrasings; falls back to the first few words.
func GenerateAgentName(who string) string {
	whoLower := strings.ToLower(strings.TrimSpace(who))

	for _, p := range rolePatterns {
		if p.re.MatchString(whoLower) {
			name := p.re.ReplaceAllString(whoLower, p.repl)
			words := strings.Fields(name)
			if len(words) > 3 {
				words = words[:3]
			}
			for i, w := range words {
				words[i] = capitalize(w)
			}
			return strings.Join(words, " ")
		}
	}

	words := strings.Fields(strings.TrimSpace(who))
	if len(words) == 0 {
		return "My Charlie"
	}
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ") + " Charlie"
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}
