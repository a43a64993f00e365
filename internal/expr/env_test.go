package expr

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(request.headers, "sec-fetch-dest") == "document"`)
	require.NoError(t, err)

	activation := map[string]any{
		"request": map[string]any{
			"headers": map[string]any{"sec-fetch-dest": "document"},
		},
	}
	matched, err := program.EvalBool(activation)
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing key")

	missing, err := env.Compile(`lookup(request.headers, "missing") == "document"`)
	require.NoError(t, err)
	matched, err = missing.EvalBool(activation)
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`1 + 2`)
	require.Error(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

func TestDefaultClassifier(t *testing.T) {
	classifier, err := NewClassifier("")
	require.NoError(t, err)
	require.Equal(t, DefaultNavigation, classifier.Source())

	tests := []struct {
		name    string
		method  string
		headers map[string]string
		want    bool
	}{
		{
			name:    "fetch metadata navigate",
			method:  http.MethodGet,
			headers: map[string]string{"Sec-Fetch-Mode": "navigate", "Accept": "*/*"},
			want:    true,
		},
		{
			name:    "fetch metadata no-cors overrides accept",
			method:  http.MethodGet,
			headers: map[string]string{"Sec-Fetch-Mode": "no-cors", "Accept": "text/html"},
			want:    false,
		},
		{
			name:    "html accept without fetch metadata",
			method:  http.MethodGet,
			headers: map[string]string{"Accept": "text/html,application/xhtml+xml"},
			want:    true,
		},
		{
			name:    "stylesheet",
			method:  http.MethodGet,
			headers: map[string]string{"Accept": "text/css"},
			want:    false,
		},
		{
			name:   "no headers",
			method: http.MethodGet,
			want:   false,
		},
		{
			name:    "post form",
			method:  http.MethodPost,
			headers: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://app.local/settings", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			got, err := classifier.IsNavigation(req)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCustomClassifier(t *testing.T) {
	classifier, err := NewClassifier(`request.path.startsWith("/app/") && !request.path.endsWith(".js")`)
	require.NoError(t, err)

	nav, err := classifier.IsNavigation(httptest.NewRequest(http.MethodGet, "/app/settings", nil))
	require.NoError(t, err)
	require.True(t, nav)

	nav, err = classifier.IsNavigation(httptest.NewRequest(http.MethodGet, "/app/main.js", nil))
	require.NoError(t, err)
	require.False(t, nav)

	_, err = NewClassifier(`request.path +`)
	require.Error(t, err)
}

func TestActivation(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/a?x=1&x=2", nil)
	req.Header.Add("Accept", "text/html")
	req.Header.Add("Accept", "application/json")

	act := Activation(req)
	require.Equal(t, "GET", act["method"])
	require.Equal(t, "/a", act["path"])
	require.Equal(t, map[string]any{"x": "1"}, act["query"])
	headers := act["headers"].(map[string]any)
	require.Equal(t, "text/html, application/json", headers["accept"])
}
