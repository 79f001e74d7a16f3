package contact

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"golang.org/x/text/cases"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Kind identifies a contact email.
type Kind string

// Contact email kinds.
const (
	KindAdmin   Kind = "admin"
	KindVisitor Kind = "visitor"
)

var subjects = map[Kind]map[Locale]string{
	KindAdmin: {
		LocaleTR: "[{{.SiteName}}] Yeni iletişim formu: {{title .Name}}",
		LocaleEN: "[{{.SiteName}}] New contact request: {{title .Name}}",
	},
	KindVisitor: {
		LocaleTR: "{{.SiteName}}: Mesajınızı aldık",
		LocaleEN: "{{.SiteName}}: We received your message",
	},
}

// TemplateData is the input of every contact template.
type TemplateData struct {
	SiteName    string
	Name        string
	Email       string
	Phone       string
	Company     string
	Message     string
	Locale      Locale
	SubmittedAt time.Time
}

// Rendered is a rendered email.
type Rendered struct {
	Subject  string
	HTMLBody string
	TextBody string
}

type localized struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// Renderer renders contact emails from embedded templates.
type Renderer struct {
	templates map[string]localized
}

// NewRenderer loads and parses all templates.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]localized)}

	for kind, bySubject := range subjects {
		for _, locale := range Locales {
			name := templateName(kind, locale)
			funcs := funcMap(locale)

			subject, err := texttemplate.New(name + ".subject").Funcs(funcs).Parse(bySubject[locale])
			if err != nil {
				return nil, fmt.Errorf("parse subject %s: %w", name, err)
			}

			textSrc, err := templatesFS.ReadFile("templates/" + name + ".txt.tmpl")
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", name, err)
			}
			text, err := texttemplate.New(name + ".txt").Funcs(funcs).Parse(string(textSrc))
			if err != nil {
				return nil, fmt.Errorf("parse template %s.txt: %w", name, err)
			}

			htmlSrc, err := templatesFS.ReadFile("templates/" + name + ".html.tmpl")
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", name, err)
			}
			html, err := htmltemplate.New(name + ".html").Funcs(htmltemplate.FuncMap(funcs)).Parse(string(htmlSrc))
			if err != nil {
				return nil, fmt.Errorf("parse template %s.html: %w", name, err)
			}

			r.templates[name] = localized{subject: subject, text: text, html: html}
		}
	}

	return r, nil
}

// Render renders the email of kind in locale.
func (r *Renderer) Render(kind Kind, locale Locale, data TemplateData) (Rendered, error) {
	name := templateName(kind, locale)
	t, ok := r.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("template not found: %s", name)
	}
	data.Locale = locale

	var subject, text, html bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return Rendered{}, fmt.Errorf("execute subject %s: %w", name, err)
	}
	if err := t.text.Execute(&text, data); err != nil {
		return Rendered{}, fmt.Errorf("execute template %s.txt: %w", name, err)
	}
	if err := t.html.Execute(&html, data); err != nil {
		return Rendered{}, fmt.Errorf("execute template %s.html: %w", name, err)
	}

	return Rendered{
		Subject:  strings.Join(strings.Fields(subject.String()), " "),
		HTMLBody: strings.TrimSpace(html.String()),
		TextBody: strings.TrimSpace(text.String()),
	}, nil
}

func templateName(kind Kind, locale Locale) string {
	return string(kind) + "_" + string(locale)
}

func funcMap(locale Locale) texttemplate.FuncMap {
	caser := cases.Title(locale.Tag(), cases.NoLower)
	return texttemplate.FuncMap{
		"title":      caser.String,
		"lines":      lines,
		"formatTime": func(t time.Time) string { return formatTime(t, locale) },
	}
}

func lines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSpace(s), "\n")
}

func formatTime(t time.Time, locale Locale) string {
	if t.IsZero() {
		return ""
	}
	if locale == LocaleTR {
		return t.UTC().Format("02.01.2006 15:04 UTC")
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
