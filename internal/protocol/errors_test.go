package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBuildErrorPayloadFillsCategoryAndRetryableFromCatalog(t *testing.T) {
	p := BuildErrorPayload(ErrFrontierConflict, "conflict", nil, nil)
	if p.Category != CategoryConflict {
		t.Errorf("Category = %q, want %q", p.Category, CategoryConflict)
	}
	if !p.Retryable {
		t.Error("Retryable = false, want true for FRONTIER_CONFLICT")
	}
}

func TestBuildErrorPayloadUnknownCodeFallsBackToInternal(t *testing.T) {
	p := BuildErrorPayload(ErrorCode("NOT_A_REAL_CODE"), "oops", nil, nil)
	if p.Code != ErrInternal {
		t.Errorf("Code = %q, want fallback to %q", p.Code, ErrInternal)
	}
	if p.Category != CategoryInternal {
		t.Errorf("Category = %q, want %q", p.Category, CategoryInternal)
	}
}

func TestBuildErrorPayloadNormalizesNegativeRetryAfter(t *testing.T) {
	neg := int64(-500)
	p := BuildErrorPayload(ErrRateLimited, "slow down", &neg, nil)
	if p.RetryAfterMs == nil || *p.RetryAfterMs != 0 {
		t.Errorf("RetryAfterMs = %v, want clamped to 0", p.RetryAfterMs)
	}
}

func TestSanitizeDetailsBoundsDepth(t *testing.T) {
	details := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{
					"d": map[string]any{
						"e": "too deep",
					},
				},
			},
		},
	}
	p := BuildErrorPayload(ErrInternal, "deep", nil, details)
	// Walk down; at some level we should hit the truncation marker rather
	// than an ever-deeper nested map.
	keys := []string{"a", "b", "c", "d", "e"}
	cur := p.Details
	for depth, key := range keys {
		v, ok := cur[key]
		if !ok {
			if _, truncated := cur["_truncated"]; truncated {
				return
			}
			t.Fatalf("expected nested key %q or a _truncated marker at depth %d", key, depth)
		}
		next, ok := v.(map[string]any)
		if !ok {
			if v != "_truncated" {
				t.Fatalf("value at depth %d = %v, want the _truncated marker", depth, v)
			}
			return
		}
		cur = next
	}
	t.Error("sanitizeDetails did not bound recursion depth")
}

func TestSanitizeDetailsBoundsKeyCount(t *testing.T) {
	details := map[string]any{}
	for i := 0; i < 100; i++ {
		details[fmt.Sprintf("key%d", i)] = i
	}
	p := BuildErrorPayload(ErrInternal, "many keys", nil, details)
	if len(p.Details) > sanitizeMaxKeys {
		t.Errorf("sanitized details has %d keys, want at most %d", len(p.Details), sanitizeMaxKeys)
	}
}

func TestSanitizeDetailsTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("x", sanitizeMaxString*2)
	p := BuildErrorPayload(ErrInternal, "long value", nil, map[string]any{"v": long})
	got, ok := p.Details["v"].(string)
	if !ok {
		t.Fatal("expected string value under key v")
	}
	if len(got) > sanitizeMaxString {
		t.Errorf("string not truncated: len=%d, want <= %d", len(got), sanitizeMaxString)
	}
}

func TestSanitizeDetailsConvertsErrorValues(t *testing.T) {
	p := BuildErrorPayload(ErrInternal, "wrapped", nil, map[string]any{"cause": errors.New("boom")})
	m, ok := p.Details["cause"].(map[string]any)
	if !ok {
		t.Fatalf("expected error value to be converted to a map, got %T", p.Details["cause"])
	}
	if m["message"] != "boom" {
		t.Errorf("message = %v, want boom", m["message"])
	}
}

func TestSanitizeDetailsBoundsArrayLength(t *testing.T) {
	arr := make([]any, sanitizeMaxArray*2)
	for i := range arr {
		arr[i] = i
	}
	p := BuildErrorPayload(ErrInternal, "long array", nil, map[string]any{"items": arr})
	got, ok := p.Details["items"].([]any)
	if !ok {
		t.Fatalf("expected items to remain a slice, got %T", p.Details["items"])
	}
	if len(got) > sanitizeMaxArray {
		t.Errorf("array not truncated: len=%d, want <= %d", len(got), sanitizeMaxArray)
	}
}

func TestBuildErrorPayloadNilDetails(t *testing.T) {
	p := BuildErrorPayload(ErrInternal, "no details", nil, nil)
	if p.Details != nil {
		t.Errorf("Details = %v, want nil", p.Details)
	}
}
