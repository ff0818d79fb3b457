package resolver_test

import (
	"reflect"
	"testing"

	"github.com/convoyhq/convoy-engine/internal/resolver"
)

func TestRender(t *testing.T) {
	tmpl := "You are assisting {{user_id}} in tenant {{tenant_id}}. Question: {{message}}"
	got := resolver.Render(tmpl, map[string]string{
		"user_id":   "u-1",
		"tenant_id": "t-1",
		"message":   "what is our refund policy?",
	})
	want := "You are assisting u-1 in tenant t-1. Question: what is our refund policy?"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRender_UnknownPlaceholderLeftIntact(t *testing.T) {
	got := resolver.Render("hello {{nope}}", map[string]string{"user_id": "u-1"})
	if got != "hello {{nope}}" {
		t.Errorf("Render() = %q, want placeholder left untouched", got)
	}
}

func TestVariables(t *testing.T) {
	got := resolver.Variables("{{a}} and {{b}} and {{a}} again")
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Variables() = %v, want %v", got, want)
	}
}

func TestVariables_NoPlaceholders(t *testing.T) {
	if got := resolver.Variables("no placeholders here"); got != nil {
		t.Errorf("Variables() = %v, want nil", got)
	}
}
