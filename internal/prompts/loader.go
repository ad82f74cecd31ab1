package prompts

import (
	"fmt"
	"io"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// LoadTemplate decodes one template document; unknown keys are an error
func LoadTemplate(r io.Reader) (*Template, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	tpl := new(Template)
	if err := dec.Decode(tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return tpl, nil
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
}

// compile validates tpl and parses its body
func compile(tpl *Template) (*template.Template, error) {
	var problems []string
	if strings.TrimSpace(tpl.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !tpl.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown kind %q", tpl.Kind))
	}
	if strings.TrimSpace(tpl.Body) == "" {
		problems = append(problems, "body is required")
	}
	for _, v := range tpl.RequiredVars {
		if strings.TrimSpace(v) == "" {
			problems = append(problems, "required_vars contains an empty name")
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid template %q: %s", tpl.Name, strings.Join(problems, "; "))
	}

	t, err := template.New(tpl.Name).Funcs(funcs).Option("missingkey=error").Parse(tpl.Body)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", tpl.Name, err)
	}
	return t, nil
}
