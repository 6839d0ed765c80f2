// Package document renders printable slip documents from text/template
// sources, selected per courier with a default fallback.
package document

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"slipdesk/internal/domain"
)

// DefaultTemplate is used when no default_template is configured.
const DefaultTemplate = `SHIPPING SLIP {{.Slip.TrackingID}}
Courier: {{.Slip.CourierID}} ({{.Slip.Method}})
From: {{.Slip.Sender.Name}}{{with .Slip.Sender.Phone}} / {{.}}{{end}}
To:   {{.Slip.Customer.Name}}{{with .Slip.Customer.Phone}} / {{.}}{{end}}
{{with .Slip.Customer.Address}}      {{.}}
{{end}}Boxes: {{.Slip.NumberOfBoxes}}
{{range $i, $w := .Slip.BoxWeights}}  #{{inc $i}}: {{kg $w}}
{{end}}Total weight: {{kg .Slip.Weight}}
Charges: {{money .Slip.Charges}}{{if .Slip.IsToPayShipping}} (TO PAY){{end}}
Generated {{.Slip.GeneratedAt.Format "2006-01-02 15:04"}} by {{.Slip.GeneratedBy}}
`

// Config is the template source set. Couriers maps courier id to a template
// source; missing ids use Default.
type Config struct {
	Default  string
	Couriers map[string]string
}

// Document is a rendered slip.
type Document struct {
	TrackingID string
	Template   string // "default" or the courier id
	Body       []byte
}

type data struct {
	Slip domain.Slip
}

var funcs = template.FuncMap{
	"inc":   func(i int) int { return i + 1 },
	"kg":    func(w float64) string { return fmt.Sprintf("%.2f kg", w) },
	"money": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"upper": strings.ToUpper,
}

// Registry holds parsed templates. It is safe for concurrent use; Apply swaps
// the whole set atomically.
type Registry struct {
	mu        sync.RWMutex
	def       *template.Template
	byCourier map[string]*template.Template
}

func New(cfg Config) (*Registry, error) {
	r := &Registry{}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply parses every template before replacing the current set.
func (r *Registry) Apply(cfg Config) error {
	src := cfg.Default
	if strings.TrimSpace(src) == "" {
		src = DefaultTemplate
	}
	def, err := template.New("default").Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return fmt.Errorf("default template: %w", err)
	}
	by := make(map[string]*template.Template, len(cfg.Couriers))
	for id, body := range cfg.Couriers {
		t, err := template.New(id).Funcs(funcs).Option("missingkey=error").Parse(body)
		if err != nil {
			return fmt.Errorf("template for courier %s: %w", id, err)
		}
		by[id] = t
	}
	r.mu.Lock()
	r.def, r.byCourier = def, by
	r.mu.Unlock()
	return nil
}

// Couriers lists courier ids that have their own template.
func (r *Registry) Couriers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCourier))
	for id := range r.byCourier {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Render(s domain.Slip) (Document, error) {
	r.mu.RLock()
	t, name := r.byCourier[s.CourierID], s.CourierID
	if t == nil {
		t, name = r.def, "default"
	}
	r.mu.RUnlock()

	var buf bytes.Buffer
	if err := t.Execute(&buf, data{Slip: s}); err != nil {
		return Document{}, fmt.Errorf("render %s with %s template: %w", s.TrackingID, name, err)
	}
	return Document{TrackingID: s.TrackingID, Template: name, Body: buf.Bytes()}, nil
}
