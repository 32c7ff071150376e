package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// Email is a rendered message ready for a Sender.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Renderer turns Messages into Emails.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing mail templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render executes the template for m.Kind.
func (r *Renderer) Render(m Message) (Email, error) {
	subject, ok := subjects[m.Kind]
	if !ok {
		return Email{}, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, string(m.Kind)+".html", m); err != nil {
		return Email{}, fmt.Errorf("rendering %s: %w", m.Kind, err)
	}
	return Email{To: m.To, Subject: subject, HTML: buf.String()}, nil
}
