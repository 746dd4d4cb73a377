package policy

import "testing"

func TestNegotiateTakesStricterMaxUpdateSize(t *testing.T) {
	client := &Manifest{PolicyID: "lfcc-default@1", MaxUpdateSize: 100000, MaxBlocksPerDoc: 5000}
	server := &Manifest{PolicyID: "lfcc-default@1", MaxUpdateSize: 50000, MaxBlocksPerDoc: 8000}

	result, err := Negotiate(false, client, server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !result.Success {
		t.Fatalf("Negotiate failed: %v", result.Errors)
	}
	if result.Manifest.MaxUpdateSize != 50000 {
		t.Errorf("MaxUpdateSize = %d, want 50000 (min of both)", result.Manifest.MaxUpdateSize)
	}
	if result.Manifest.MaxBlocksPerDoc != 5000 {
		t.Errorf("MaxBlocksPerDoc = %d, want 5000 (min of both)", result.Manifest.MaxBlocksPerDoc)
	}
}

func TestNegotiateServerWinsRequireAuth(t *testing.T) {
	client := &Manifest{PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1, RequireAuth: false}
	server := &Manifest{PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1, RequireAuth: true}

	result, err := Negotiate(false, client, server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !result.Manifest.RequireAuth {
		t.Error("RequireAuth = false, want server_wins to make it true")
	}
}

func TestNegotiateAllowAnonymousWritesRequiresBothSides(t *testing.T) {
	client := &Manifest{PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1, AllowAnonymousWrites: true}
	server := &Manifest{PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1, AllowAnonymousWrites: false}

	result, err := Negotiate(false, client, server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if result.Manifest.AllowAnonymousWrites {
		t.Error("AllowAnonymousWrites = true though server disallows it")
	}
}

func TestNegotiateMarkIntersection(t *testing.T) {
	client := &Manifest{
		PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1,
		AISanitizationPolicy: AISanitizationPolicy{AllowedMarks: []CanonMark{MarkBold, MarkItalic, MarkCode}},
	}
	server := &Manifest{
		PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1,
		AISanitizationPolicy: AISanitizationPolicy{AllowedMarks: []CanonMark{MarkItalic, MarkCode, MarkLink}},
	}

	result, err := Negotiate(true, client, server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !result.Success {
		t.Fatalf("Negotiate failed: %v", result.Errors)
	}
	marks := result.Manifest.AISanitizationPolicy.AllowedMarks
	if len(marks) != 2 {
		t.Fatalf("intersected marks = %v, want 2 entries (italic, code)", marks)
	}
	if len(result.Log) == 0 {
		t.Error("negotiation log is empty though enableLog was true")
	}
}

func TestNegotiateFailsOnEmptyMarkIntersection(t *testing.T) {
	client := &Manifest{
		PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1,
		AISanitizationPolicy: AISanitizationPolicy{AllowedMarks: []CanonMark{MarkBold}},
	}
	server := &Manifest{
		PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1,
		AISanitizationPolicy: AISanitizationPolicy{AllowedMarks: []CanonMark{MarkCode}},
	}

	result, err := Negotiate(false, client, server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if result.Success {
		t.Error("Negotiate succeeded despite empty mandatory intersection")
	}
}

func TestNegotiateRefusesIncompatiblePolicyFamilies(t *testing.T) {
	client := &Manifest{PolicyID: "lfcc-default@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1}
	server := &Manifest{PolicyID: "strict-policy@1", MaxUpdateSize: 1, MaxBlocksPerDoc: 1}

	result, err := Negotiate(false, client, server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if result.Success {
		t.Error("Negotiate succeeded across incompatible policy families")
	}
}

func TestNegotiateRequiresAtLeastTwoManifests(t *testing.T) {
	_, err := Negotiate(false, &Manifest{PolicyID: "a"})
	if err == nil {
		t.Error("Negotiate with one manifest did not error")
	}
}
