package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var articleTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}
	articleTemplate = template.Must(template.New("article").Funcs(funcMap).Parse(articleTemplateHTML))
}

// TemplateData holds data for article template rendering
type TemplateData struct {
	Name        string
	Title       string
	ImageURL    string
	Tags        []string
	ContentHTML template.HTML
	UpdatedAt   time.Time
	Events      []TemplateEvent
}

// TemplateEvent holds one audit-trail line for the appendix
type TemplateEvent struct {
	Kind  string
	Actor string
	At    time.Time
}

// RenderArticleHTML renders the article template with provided data
func RenderArticleHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := articleTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const articleTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Name}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; margin-bottom: 0.25rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .tags span { background: #eee; border-radius: 3px; padding: 0.1rem 0.4rem; margin-right: 0.3rem; font-size: 0.85em; }
    .cover { max-width: 240px; float: right; margin: 0 0 1rem 1rem; }
    .events { margin-top: 3rem; border-top: 1px solid #ccc; padding-top: 1rem; font-size: 0.85em; color: #555; }
    pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
    blockquote { border-left: 3px solid #333; margin-left: 0; padding-left: 1rem; color: #444; }
  </style>
</head>
<body>
  {{if .ImageURL}}<img class="cover" src="{{.ImageURL}}" alt="{{.Name}}">{{end}}
  <h1>{{.Name}}</h1>
  <div class="meta">
    {{if .Title}}{{.Title}} | {{end}}{{.UpdatedAt.Format "Jan 2, 2006"}}
    {{if .Tags}}<div class="tags">{{range .Tags}}<span>{{. | lower}}</span>{{end}}</div>{{end}}
  </div>
  <div>{{.ContentHTML}}</div>
  {{if .Events}}
  <div class="events">
    <h2>History</h2>
    {{range .Events}}<div>{{formatDate .At "2006-01-02 15:04"}} &mdash; {{.Kind}} by {{.Actor}}</div>{{end}}
  </div>
  {{end}}
</body>
</html>`
