package llm

import "testing"

func TestExtractJSON_Direct(t *testing.T) {
	doc, err := ExtractJSON(`{"a": 1}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc != `{"a": 1}` {
		t.Errorf("got %q", doc)
	}
}

func TestExtractJSON_FencedBlock(t *testing.T) {
	raw := "Here is the analysis:\n```json\n{\"regime\": \"bull\"}\n```\nDone."
	doc, err := ExtractJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc != `{"regime": "bull"}` {
		t.Errorf("got %q", doc)
	}
}

func TestExtractJSON_BalancedRegion(t *testing.T) {
	raw := `The decision is {"action": "hold", "note": "brace } in string"} as stated.`
	doc, err := ExtractJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed map[string]string
	if err := ParseInto(doc, &parsed); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed["action"] != "hold" {
		t.Errorf("action = %q", parsed["action"])
	}
	if parsed["note"] != "brace } in string" {
		t.Errorf("note = %q", parsed["note"])
	}
}

func TestExtractJSON_Array(t *testing.T) {
	raw := "signals below\n[{\"symbol\": \"BTC/USDT\"}]\nend"
	doc, err := ExtractJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed []map[string]string
	if err := ParseInto(doc, &parsed); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(parsed) != 1 || parsed[0]["symbol"] != "BTC/USDT" {
		t.Errorf("unexpected parse result: %v", parsed)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	cases := []string{"not json", "", "just { unbalanced", "```\nplain text\n```"}
	for _, raw := range cases {
		if _, err := ExtractJSON(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}
