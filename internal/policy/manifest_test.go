package policy

import "testing"

func sampleManifest() *Manifest {
	return &Manifest{
		PolicyID: "lfcc-default@1",
		AISanitizationPolicy: AISanitizationPolicy{
			AllowedMarks:      []CanonMark{MarkBold, MarkItalic},
			AllowedBlockTypes: []string{"paragraph", "heading"},
		},
		MaxUpdateSize: 65536,
		MaxBlocksPerDoc: 10000,
	}
}

func TestHashIsDeterministicAcrossFieldOrderAndMarkOrder(t *testing.T) {
	a := sampleManifest()
	b := &Manifest{
		PolicyID: "lfcc-default@1",
		AISanitizationPolicy: AISanitizationPolicy{
			AllowedMarks:      []CanonMark{MarkItalic, MarkBold}, // reversed order
			AllowedBlockTypes: []string{"heading", "paragraph"}, // reversed order
		},
		MaxUpdateSize:   65536,
		MaxBlocksPerDoc: 10000,
	}

	hashA, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash(a): %v", err)
	}
	hashB, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash(b): %v", err)
	}
	if hashA != hashB {
		t.Errorf("hashes differ for logically identical manifests with differently ordered sets: %s != %s", hashA, hashB)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := sampleManifest()
	b := sampleManifest()
	b.MaxUpdateSize = 1024

	hashA, _ := a.Hash()
	hashB, _ := b.Hash()
	if hashA == hashB {
		t.Error("hashes identical despite differing max_update_size")
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	m := &Manifest{PolicyID: "", MaxUpdateSize: -1, MaxBlocksPerDoc: -1}
	ok, errs := Validate(m)
	if ok {
		t.Fatal("Validate reported ok for an invalid manifest")
	}
	if len(errs) < 3 {
		t.Errorf("Validate returned %d errors, want at least 3 (policy_id, max_update_size, max_blocks_per_doc): %v", len(errs), errs)
	}
}

func TestValidateNilManifest(t *testing.T) {
	ok, errs := Validate(nil)
	if ok || len(errs) == 0 {
		t.Error("Validate(nil) should report not-ok with a reason")
	}
}

func TestCompatibleComparesPolicyFamilyNotExactID(t *testing.T) {
	a := &Manifest{PolicyID: "lfcc-default@2"}
	b := &Manifest{PolicyID: "lfcc-default@3"}
	if !Compatible(a, b) {
		t.Error("Compatible = false for same family, different revision")
	}

	c := &Manifest{PolicyID: "strict-policy@1"}
	if Compatible(a, c) {
		t.Error("Compatible = true for different policy families")
	}
}

func TestCompatibleNilManifest(t *testing.T) {
	if Compatible(nil, &Manifest{PolicyID: "x"}) {
		t.Error("Compatible(nil, _) = true, want false")
	}
}
