package delivery

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	texttemplate "text/template"
)

// layouts maps template keys to the HTML shell the rendered body is wrapped
// in. Campaign authors pick a key; unknown keys soft-fail to "default" so a
// renamed layout never blocks a running campaign.
var layouts = map[string]string{
	"default": `<html><body style="font-family:sans-serif;max-width:600px;margin:0 auto">
{{.Body}}
</body></html>`,
	"plain": `{{.Body}}`,
	"banner": `<html><body style="font-family:sans-serif;max-width:600px;margin:0 auto">
<div style="background:#1a73e8;color:#fff;padding:16px 24px;font-size:18px">{{.Header}}</div>
<div style="padding:24px">{{.Body}}</div>
</body></html>`,
}

// Renderer renders campaign email bodies. The body text is itself a Go
// template executed against the flat substitution map, and the result is
// wrapped in the layout selected by the template key. It implements
// TemplateRenderer.
type Renderer struct{}

// NewRenderer returns a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render executes the body template with the given data and wraps the result
// in the layout named by templateKey, falling back to "default" when the key
// is unknown.
func (r *Renderer) Render(templateKey, body string, data map[string]string) (string, error) {
	bodyTmpl, err := texttemplate.New("body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("renderer: parsing body: %w", err)
	}

	var bodyBuf bytes.Buffer
	if err := bodyTmpl.Execute(&bodyBuf, data); err != nil {
		return "", fmt.Errorf("renderer: executing body: %w", err)
	}

	layout, ok := layouts[templateKey]
	if !ok {
		layout = layouts["default"]
	}

	layoutTmpl, err := texttemplate.New("layout").Parse(layout)
	if err != nil {
		return "", fmt.Errorf("renderer: parsing layout %q: %w", templateKey, err)
	}

	var out bytes.Buffer
	err = layoutTmpl.Execute(&out, struct {
		Header string
		Body   string
	}{
		Header: html.EscapeString(data["header"]),
		Body:   paragraphize(bodyBuf.String()),
	})
	if err != nil {
		return "", fmt.Errorf("renderer: executing layout %q: %w", templateKey, err)
	}
	return out.String(), nil
}

// paragraphize turns blank-line-separated text into simple HTML paragraphs.
// Single newlines become <br> so authored line breaks survive.
func paragraphize(text string) string {
	blocks := strings.Split(strings.TrimSpace(text), "\n\n")
	var b strings.Builder
	for _, block := range blocks {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(block, "\n", "<br>"))
		b.WriteString("</p>\n")
	}
	return b.String()
}

var _ TemplateRenderer = (*Renderer)(nil)
