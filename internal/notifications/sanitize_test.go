package notifications

import (
	"strings"
	"testing"
)

func TestSanitizeRedirect(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"index.php?module=Leads&action=DetailView", "index.php?module=Leads&action=DetailView"},
		{"/index.php?module=Calls", "/index.php?module=Calls"},
		{"./index.php", "./index.php"},
		{"https://crm.example.com/index.php", "https://crm.example.com/index.php"},
		{"http://crm.example.com/index.php", ""},
		{"javascript:alert(1)", ""},
		{"//evil.example.com/index.php", ""},
		{"https://", ""},
		{"index.php?x=\"><script>", ""},
		{"  /index.php?module=Accounts  ", "/index.php?module=Accounts"},
		{"/admin.php", ""},
	}
	for _, tc := range cases {
		if got := SanitizeRedirect(tc.input); got != tc.want {
			t.Fatalf("SanitizeRedirect(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"<p>Hello <em>there</em></p>", "Hello there"},
		{"Tom & Jerry", "Tom &amp; Jerry"},
		{"a <!-- hidden --> b", "a  b"},
		{`"quoted" 'single'`, "&#34;quoted&#34; &#39;single&#39;"},
		{"  padded  ", "padded"},
	}
	for _, tc := range cases {
		if got := SanitizeText(tc.input); got != tc.want {
			t.Fatalf("SanitizeText(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestParseEnumsFallBack(t *testing.T) {
	if ParseType("WARNING") != TypeWarning {
		t.Fatalf("expected warning type")
	}
	if ParseType("loud") != TypeInfo {
		t.Fatalf("expected info fallback")
	}
	if ParsePriority("high") != PriorityHigh {
		t.Fatalf("expected high priority")
	}
	if ParsePriority("") != PriorityNormal {
		t.Fatalf("expected normal fallback")
	}
}

func TestParseRequestValidatesRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "not object", body: `[{"title":"x"}]`, want: "Request body must be a JSON object"},
		{name: "broken json", body: `{"title":`, want: "Invalid JSON payload"},
		{name: "blank title", body: `{"title":"   ","target_users":["u1"]}`, want: "Missing required field: title"},
		{name: "no targets", body: `{"title":"Hi","target_users":[" "],"target_roles":[]}`, want: "At least one of target_users or target_roles is required"},
		{name: "long module", body: `{"title":"Hi","target_roles":["Sales"],"target_module":"` + strings.Repeat("m", 101) + `"}`, want: "Field target_module exceeds maximum length of 100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tc.body))
			if !IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if err.Error() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestParseRequestAcceptsRoleOnlyTargets(t *testing.T) {
	request, err := ParseRequest([]byte(`{"title":" Hi ","target_roles":["Sales"," "],"metadata":{"call_id":"c-1"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Title != "Hi" || len(request.TargetRoles) != 1 || request.TargetUsers != nil {
		t.Fatalf("unexpected request %+v", request)
	}
	if request.Metadata["call_id"] != "c-1" {
		t.Fatalf("unexpected metadata %v", request.Metadata)
	}
}
