package fingerprint

import "testing"

func TestComputeLevel1SessionUUIDFromMetadata(t *testing.T) {
	body := map[string]interface{}{
		"metadata": map[string]interface{}{
			"user_id": "user_abc123_account__session_11111111-2222-3333-4444-555555555555",
		},
	}
	got := Compute(body)
	want := "11111111-2222-3333-4444-555555555555"
	if got != want {
		t.Fatalf("Compute() = %q, want %q", got, want)
	}
}

func TestComputeLevel2EphemeralCacheControl(t *testing.T) {
	body := map[string]interface{}{
		"system": []interface{}{
			map[string]interface{}{
				"type": "text",
				"text": "a system prompt",
				"cache_control": map[string]interface{}{
					"type": "ephemeral",
				},
			},
		},
		"messages": []interface{}{
			map[string]interface{}{"content": "hello there"},
		},
	}
	got := Compute(body)
	if len(got) != 32 {
		t.Fatalf("expected a 32-char hash, got %q (len %d)", got, len(got))
	}

	// Same first message, no ephemeral cache_control -> falls through to
	// level 4 and must differ from the level-2 hash of the same text
	// because the internal prefix differs.
	bodyNoCache := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"content": "hello there"},
		},
	}
	got2 := Compute(bodyNoCache)
	if got == got2 {
		t.Fatal("level 2 and level 4 hashes of identical text must differ (different internal prefixes)")
	}
}

func TestComputeLevel3SystemStringFallback(t *testing.T) {
	body := map[string]interface{}{
		"system": "You are a helpful assistant.",
	}
	got := Compute(body)
	if len(got) != 32 {
		t.Fatalf("expected a 32-char hash, got %q", got)
	}
}

func TestComputeLevel3SystemArrayOfTextParts(t *testing.T) {
	body := map[string]interface{}{
		"system": []interface{}{
			map[string]interface{}{"type": "text", "text": "part one "},
			map[string]interface{}{"type": "text", "text": "part two"},
		},
	}
	got := Compute(body)
	if len(got) != 32 {
		t.Fatalf("expected a 32-char hash, got %q", got)
	}
}

func TestComputeLevel4FirstMessageFallback(t *testing.T) {
	body := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"content": "first user turn"},
			map[string]interface{}{"content": "second user turn"},
		},
	}
	got := Compute(body)
	if len(got) != 32 {
		t.Fatalf("expected a 32-char hash, got %q", got)
	}
}

func TestComputeLevel4MessageContentAsParts(t *testing.T) {
	body := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{"type": "text", "text": "hi"},
					"raw string part",
				},
			},
		},
	}
	got := Compute(body)
	if len(got) != 32 {
		t.Fatalf("expected a 32-char hash, got %q", got)
	}
}

func TestComputeReturnsEmptyOnNoSource(t *testing.T) {
	cases := []map[string]interface{}{
		nil,
		{},
		{"messages": []interface{}{}},
		{"messages": "not-an-array"},
	}
	for i, body := range cases {
		if got := Compute(body); got != "" {
			t.Errorf("case %d: Compute() = %q, want empty", i, got)
		}
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	body := map[string]interface{}{"system": "stable prompt"}
	a := Compute(body)
	b := Compute(body)
	if a != b {
		t.Fatalf("Compute is not deterministic: %q != %q", a, b)
	}
}

func TestComputeMalformedMetadataDoesNotPanic(t *testing.T) {
	body := map[string]interface{}{
		"metadata": "not-a-map",
		"system":   123, // not a string or array
		"messages": []interface{}{"not-a-map-either"},
	}
	if got := Compute(body); got != "" {
		t.Fatalf("Compute() = %q, want empty for fully malformed body", got)
	}
}
