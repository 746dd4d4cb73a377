// Package policy implements the co-edit safety manifest: its canonical
// hashing, structural validation, and field-by-field negotiation across
// peers. Grounded on the teacher's internal/sync manifest (file-hash
// manifest used for cross-machine memory sync) generalized from a file
// listing to a set of negotiable collaboration rules.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CanonMark is a text formatting mark a document block may carry.
type CanonMark string

const (
	MarkBold      CanonMark = "bold"
	MarkItalic    CanonMark = "italic"
	MarkUnderline CanonMark = "underline"
	MarkStrike    CanonMark = "strike"
	MarkCode      CanonMark = "code"
	MarkLink      CanonMark = "link"
	MarkHighlight CanonMark = "highlight"
)

// AISanitizationPolicy constrains what an AI-originated update may contain.
type AISanitizationPolicy struct {
	AllowedMarks      []CanonMark `json:"allowed_marks" yaml:"allowed_marks"`
	AllowedBlockTypes []string    `json:"allowed_block_types" yaml:"allowed_block_types"`
}

// Manifest is a typed, immutable-after-construction description of the
// rules under which two peers may collaborate on a document.
type Manifest struct {
	PolicyID             string               `json:"policy_id" yaml:"policy_id"`
	AISanitizationPolicy AISanitizationPolicy `json:"ai_sanitization_policy" yaml:"ai_sanitization_policy"`
	MaxUpdateSize        int                  `json:"max_update_size" yaml:"max_update_size"`
	MaxBlocksPerDoc      int                  `json:"max_blocks_per_doc" yaml:"max_blocks_per_doc"`
	AllowAnonymousWrites bool                 `json:"allow_anonymous_writes" yaml:"allow_anonymous_writes"`
	RequireAuth          bool                 `json:"require_auth" yaml:"require_auth"`
}

// DefaultManifest is the manifest a Sync Server falls back to when no
// manifest file is configured: permissive enough for local development,
// strict enough to exercise every negotiation field.
func DefaultManifest() *Manifest {
	return &Manifest{
		PolicyID: "lfcc-default@1",
		AISanitizationPolicy: AISanitizationPolicy{
			AllowedMarks:      []CanonMark{MarkBold, MarkItalic, MarkUnderline, MarkCode, MarkLink},
			AllowedBlockTypes: []string{"paragraph", "heading", "list_item", "code_block"},
		},
		MaxUpdateSize:        512 * 1024,
		MaxBlocksPerDoc:      20000,
		AllowAnonymousWrites: true,
		RequireAuth:          false,
	}
}

// LoadManifest reads a YAML manifest file at path, merging it over
// DefaultManifest(); a missing path returns the default manifest unchanged.
func LoadManifest(path string) (*Manifest, error) {
	m := DefaultManifest()
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if ok, errs := Validate(m); !ok {
		return nil, fmt.Errorf("invalid manifest %s: %v", path, errs)
	}
	return m, nil
}

// manifestCanonical is the JSON shape actually hashed: sorted sets, no other
// representation ambiguity. Kept as a distinct type so adding a field to
// Manifest never silently changes the canonical form without a matching
// update here.
type manifestCanonical struct {
	PolicyID             string   `json:"policy_id"`
	AllowedMarks         []string `json:"allowed_marks"`
	AllowedBlockTypes    []string `json:"allowed_block_types"`
	MaxUpdateSize        int      `json:"max_update_size"`
	MaxBlocksPerDoc      int      `json:"max_blocks_per_doc"`
	AllowAnonymousWrites bool     `json:"allow_anonymous_writes"`
	RequireAuth          bool     `json:"require_auth"`
}

// CanonicalJSON renders the manifest's deterministic canonical form: sorted
// set fields, fixed field order, no whitespace. Two manifests with the same
// logical content produce byte-identical output on any platform.
func (m *Manifest) CanonicalJSON() ([]byte, error) {
	marks := make([]string, len(m.AISanitizationPolicy.AllowedMarks))
	for i, mk := range m.AISanitizationPolicy.AllowedMarks {
		marks[i] = string(mk)
	}
	sort.Strings(marks)

	blocks := append([]string(nil), m.AISanitizationPolicy.AllowedBlockTypes...)
	sort.Strings(blocks)

	c := manifestCanonical{
		PolicyID:             m.PolicyID,
		AllowedMarks:         marks,
		AllowedBlockTypes:    blocks,
		MaxUpdateSize:        m.MaxUpdateSize,
		MaxBlocksPerDoc:      m.MaxBlocksPerDoc,
		AllowAnonymousWrites: m.AllowAnonymousWrites,
		RequireAuth:          m.RequireAuth,
	}
	return json.Marshal(c)
}

// Hash computes the sha256 hex digest of the manifest's canonical form.
// It is a pure function of content: identical manifests hash identically
// on any platform.
func (m *Manifest) Hash() (string, error) {
	canon, err := m.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash panics on marshal error; only safe for manifests already known
// to be well-formed (e.g. constants built in Go code, not parsed from the
// wire).
func (m *Manifest) MustHash() string {
	h, err := m.Hash()
	if err != nil {
		panic(err)
	}
	return h
}

// Validate runs structural and semantic checks and returns every problem
// found, not just the first.
func Validate(m *Manifest) (bool, []string) {
	var errs []string
	if m == nil {
		return false, []string{"manifest is nil"}
	}
	if m.PolicyID == "" {
		errs = append(errs, "policy_id is required")
	}
	if m.MaxUpdateSize <= 0 {
		errs = append(errs, "max_update_size must be positive")
	}
	if m.MaxBlocksPerDoc < 0 {
		errs = append(errs, "max_blocks_per_doc must not be negative")
	}
	for _, mk := range m.AISanitizationPolicy.AllowedMarks {
		if mk == "" {
			errs = append(errs, "allowed_marks contains an empty mark")
			break
		}
	}
	for _, bt := range m.AISanitizationPolicy.AllowedBlockTypes {
		if bt == "" {
			errs = append(errs, "allowed_block_types contains an empty type")
			break
		}
	}
	return len(errs) == 0, errs
}

// policyFamily returns the portion of a policy_id before the first '@', or
// the whole id if there is none. Two manifests are compatible only if they
// share a family — e.g. "lfcc-default@2" and "lfcc-default@3" are the same
// family at different revisions.
func policyFamily(policyID string) string {
	for i, r := range policyID {
		if r == '@' {
			return policyID[:i]
		}
	}
	return policyID
}

// Compatible is the gate run before negotiation is attempted at all: if it
// returns false, negotiation is refused wholesale.
func Compatible(a, b *Manifest) bool {
	if a == nil || b == nil {
		return false
	}
	return policyFamily(a.PolicyID) == policyFamily(b.PolicyID)
}
