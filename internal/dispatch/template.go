package dispatch

import (
	"regexp"
	"strings"

	"github.com/foxzi/courier/internal/models"
)

// Placeholders are {{name}} or {name}
var varPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}|\{([^{}]+)\}`)

// renderTemplate substitutes placeholders with vars. Unknown names render as empty string.
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		return vars[name]
	})
}

// contactVars builds the placeholder values for one contact. Custom fields cannot shadow name or phone.
func contactVars(c *models.Contact) map[string]string {
	vars := make(map[string]string, len(c.Fields)+2)
	for k, v := range c.Fields {
		vars[k] = v
	}
	vars["name"] = c.Name
	vars["phone"] = c.Phone
	return vars
}
