package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"horsebot/internal/domain"
)

//go:embed default_prompt.tmpl
var defaultTemplate string

// DefaultTemplate returns the built-in system prompt template.
func DefaultTemplate() string { return defaultTemplate }

// Vars builds the variable mapping for one render: the gateway-derived
// context plus the current date line.
func Vars(pc domain.PromptContext, now time.Time) map[string]string {
	return map[string]string{
		"date": fmt.Sprintf("Today is %s. The time is %s.",
			now.Format("Monday, the 2 of January, 2006"),
			now.Format("3:04 PM")),
		"server_name":   pc.ServerName,
		"channel_name":  pc.ChannelName,
		"channel_topic": pc.ChannelTopic,
		"user_nick":     pc.UserNick,
		"bot_nick":      pc.BotNick,
	}
}

// Render is a pure function over a template string and a variable mapping.
// Malformed syntax or a reference to an unknown variable surfaces as
// *domain.TemplateError.
func Render(tmpl string, vars map[string]string) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", &domain.TemplateError{Err: err}
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", &domain.TemplateError{Err: err}
	}
	return sb.String(), nil
}
