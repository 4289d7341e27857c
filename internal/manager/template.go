package manager

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// templateData is what run argument templates see.
type templateData struct {
	ID        string
	Type      string
	EntityID  string
	Payload   map[string]any
	WorkerID  string
	Attempt   int
	Timestamp string
}

// argTemplates holds one parsed template per argument; plain arguments are nil.
type argTemplates []*template.Template

func parseArgTemplates(args []string) (argTemplates, error) {
	parsed := make(argTemplates, len(args))
	for i, arg := range args {
		if !strings.Contains(arg, "{{") {
			continue
		}
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Funcs(sprig.TxtFuncMap()).Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		parsed[i] = tmpl
	}
	return parsed, nil
}

func (t argTemplates) render(args []string, data templateData) ([]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]string, len(args))
	var buf bytes.Buffer
	for i, arg := range args {
		if i >= len(t) || t[i] == nil {
			out[i] = arg
			continue
		}
		buf.Reset()
		if err := t[i].Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render argument %d: %w", i, err)
		}
		out[i] = buf.String()
	}
	return out, nil
}
