package expr

import (
	"net/http"
	"strings"
)

// DefaultNavigation matches full-page loads: a GET whose Sec-Fetch-Mode is
// navigate, or, for clients that do not send fetch metadata, one that
// accepts HTML.
const DefaultNavigation = `request.method == "GET" && ("sec-fetch-mode" in request.headers ? request.headers["sec-fetch-mode"] == "navigate" : ("accept" in request.headers && request.headers["accept"].contains("text/html")))`

// Classifier splits intercepted traffic into navigations and sub-resources.
type Classifier struct {
	program Program
}

// NewClassifier compiles expression, or DefaultNavigation when it is blank.
func NewClassifier(expression string) (*Classifier, error) {
	if strings.TrimSpace(expression) == "" {
		expression = DefaultNavigation
	}
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, err
	}
	return &Classifier{program: program}, nil
}

// Source returns the compiled expression.
func (c *Classifier) Source() string { return c.program.Source() }

// IsNavigation evaluates the classifier against r.
func (c *Classifier) IsNavigation(r *http.Request) (bool, error) {
	return c.program.EvalBool(map[string]any{"request": Activation(r)})
}

// Activation flattens r into the map exposed to CEL as `request`. Header
// names are lower-cased and repeated values joined with ", ".
func Activation(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	query := make(map[string]any)
	path := ""
	if r.URL != nil {
		path = r.URL.Path
		for name, values := range r.URL.Query() {
			if len(values) > 0 {
				query[name] = values[0]
			}
		}
	}
	return map[string]any{
		"method":  r.Method,
		"path":    path,
		"query":   query,
		"headers": headers,
	}
}
