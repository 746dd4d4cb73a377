package policy

import "fmt"

// Strategy names a per-field scalar negotiation rule.
type Strategy string

const (
	StrategyMin          Strategy = "min"
	StrategyMax          Strategy = "max"
	StrategyIntersection Strategy = "intersection"
	StrategyClientWins   Strategy = "client_wins"
	StrategyServerWins   Strategy = "server_wins"
	StrategyReject       Strategy = "reject"
)

// FieldNegotiation is one row of the negotiation log: what each side
// proposed, what strategy resolved it, and the result.
type FieldNegotiation struct {
	Field    string   `json:"field"`
	Client   any      `json:"client_value"`
	Server   any      `json:"server_value"`
	Resolved any      `json:"resolved_value"`
	Strategy Strategy `json:"strategy"`
}

// NegotiationResult is the outcome of negotiate().
type NegotiationResult struct {
	Success  bool
	Manifest *Manifest
	Errors   []string
	Log      []FieldNegotiation
}

// ErrIncompatible describes a required set-valued field whose intersection
// is empty. Negotiate does not return it as an error: its message is added
// to NegotiationResult.Errors and Success is false.
type ErrIncompatible struct {
	Field string
}

func (e *ErrIncompatible) Error() string {
	return fmt.Sprintf("policy: empty intersection for required field %q", e.Field)
}

// Negotiate resolves an effective manifest from two or more manifests. Only
// the first and the last manifest are resolved field by field; any manifests
// between them are checked for compatibility only and do not narrow the
// result. Scalars negotiate per the documented strategy per field; allow-listed set
// fields resolve to set intersection. enableLog controls whether the
// per-field negotiation trace is populated (callers that don't need it skip
// the allocation).
func Negotiate(enableLog bool, manifests ...*Manifest) (*NegotiationResult, error) {
	if len(manifests) < 2 {
		return nil, fmt.Errorf("policy: negotiate requires at least 2 manifests, got %d", len(manifests))
	}
	for i := 1; i < len(manifests); i++ {
		if !Compatible(manifests[0], manifests[i]) {
			return &NegotiationResult{
				Success: false,
				Errors:  []string{"INCOMPATIBLE: policy_id families differ"},
			}, nil
		}
	}

	client := manifests[0]
	server := manifests[len(manifests)-1]

	result := &NegotiationResult{Success: true}
	effective := &Manifest{PolicyID: client.PolicyID}

	// max_update_size: min() — the stricter (smaller) cap always wins.
	effective.MaxUpdateSize = minInt(client.MaxUpdateSize, server.MaxUpdateSize)
	logField(result, enableLog, "max_update_size", client.MaxUpdateSize, server.MaxUpdateSize, effective.MaxUpdateSize, StrategyMin)

	// max_blocks_per_doc: min() as well, same rationale.
	effective.MaxBlocksPerDoc = minInt(client.MaxBlocksPerDoc, server.MaxBlocksPerDoc)
	logField(result, enableLog, "max_blocks_per_doc", client.MaxBlocksPerDoc, server.MaxBlocksPerDoc, effective.MaxBlocksPerDoc, StrategyMin)

	// require_auth: server_wins — the server is authoritative on whether
	// auth is required.
	effective.RequireAuth = server.RequireAuth
	logField(result, enableLog, "require_auth", client.RequireAuth, server.RequireAuth, effective.RequireAuth, StrategyServerWins)

	// allow_anonymous_writes: intersection-as-AND — both sides must allow it.
	effective.AllowAnonymousWrites = client.AllowAnonymousWrites && server.AllowAnonymousWrites
	logField(result, enableLog, "allow_anonymous_writes", client.AllowAnonymousWrites, server.AllowAnonymousWrites, effective.AllowAnonymousWrites, StrategyIntersection)

	marks := intersectMarks(client.AISanitizationPolicy.AllowedMarks, server.AISanitizationPolicy.AllowedMarks)
	if enableLog {
		result.Log = append(result.Log, FieldNegotiation{
			Field: "ai_sanitization_policy.allowed_marks", Client: client.AISanitizationPolicy.AllowedMarks,
			Server: server.AISanitizationPolicy.AllowedMarks, Resolved: marks, Strategy: StrategyIntersection,
		})
	}
	if len(marks) == 0 && (len(client.AISanitizationPolicy.AllowedMarks) > 0 || len(server.AISanitizationPolicy.AllowedMarks) > 0) {
		return &NegotiationResult{Success: false, Errors: []string{(&ErrIncompatible{Field: "allowed_marks"}).Error()}}, nil
	}
	effective.AISanitizationPolicy.AllowedMarks = marks

	blocks := intersectStrings(client.AISanitizationPolicy.AllowedBlockTypes, server.AISanitizationPolicy.AllowedBlockTypes)
	if enableLog {
		result.Log = append(result.Log, FieldNegotiation{
			Field: "ai_sanitization_policy.allowed_block_types", Client: client.AISanitizationPolicy.AllowedBlockTypes,
			Server: server.AISanitizationPolicy.AllowedBlockTypes, Resolved: blocks, Strategy: StrategyIntersection,
		})
	}
	if len(blocks) == 0 && (len(client.AISanitizationPolicy.AllowedBlockTypes) > 0 || len(server.AISanitizationPolicy.AllowedBlockTypes) > 0) {
		return &NegotiationResult{Success: false, Errors: []string{(&ErrIncompatible{Field: "allowed_block_types"}).Error()}}, nil
	}
	effective.AISanitizationPolicy.AllowedBlockTypes = blocks

	result.Manifest = effective
	return result, nil
}

func logField(r *NegotiationResult, enabled bool, field string, client, server, resolved any, strategy Strategy) {
	if !enabled {
		return
	}
	r.Log = append(r.Log, FieldNegotiation{Field: field, Client: client, Server: server, Resolved: resolved, Strategy: strategy})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []string
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func intersectMarks(a, b []CanonMark) []CanonMark {
	set := make(map[CanonMark]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []CanonMark
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}
