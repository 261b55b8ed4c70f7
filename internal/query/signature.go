package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/cachemesh/cachemesh/internal/model"
)

const cacheKeyPrefix = "gql:"

// Signature identifies a distinct (query text, variables, principal)
// combination and carries the structural facts the cache decides on.
type Signature struct {
	CacheKey      string
	QueryHash     string
	VariablesHash string
	Kind          model.OperationKind
	OperationName string
	TopFields     []string
	Complexity    int
	PrincipalID   string
}

// ComputeSignature hashes a query and its variables into a stable cache key.
// The key is salted with the principal id when one is present so different
// principals never share a cached result.
func ComputeSignature(queryText string, variables map[string]any, principalID string) (*Signature, error) {
	normalized := normalizeQuery(queryText)
	if normalized == "" {
		return nil, fmt.Errorf("empty query text")
	}

	sum := sha256.Sum256([]byte(normalized))
	queryHash := hex.EncodeToString(sum[:])

	varsHash := "0"
	if len(variables) > 0 {
		h, err := hashstructure.Hash(variables, hashstructure.FormatV2, nil)
		if err != nil {
			return nil, fmt.Errorf("hashing variables: %w", err)
		}
		varsHash = fmt.Sprintf("%x", h)
	}

	kind, opName := parseOperation(normalized)
	fields := topLevelFields(normalized)

	key := fmt.Sprintf("%s%s:%s", cacheKeyPrefix, queryHash[:16], varsHash)
	if principalID != "" {
		principalSum := sha256.Sum256([]byte(principalID))
		key += ":" + hex.EncodeToString(principalSum[:8])
	}

	return &Signature{
		CacheKey:      key,
		QueryHash:     queryHash,
		VariablesHash: varsHash,
		Kind:          kind,
		OperationName: opName,
		TopFields:     fields,
		Complexity:    complexityScore(normalized),
		PrincipalID:   principalID,
	}, nil
}

// Metadata builds the record stored alongside a cached result
func (s *Signature) Metadata(now time.Time, ttl time.Duration) *model.QueryMetadata {
	return &model.QueryMetadata{
		QueryHash:       s.QueryHash,
		OperationKind:   s.Kind,
		OperationName:   s.OperationName,
		FieldPaths:      s.TopFields,
		ComplexityScore: s.Complexity,
		VariablesHash:   s.VariablesHash,
		PrincipalID:     s.PrincipalID,
		CachedAt:        now,
		ExpiresAt:       now.Add(ttl),
	}
}

// normalizeQuery collapses whitespace so formatting differences hash alike
func normalizeQuery(queryText string) string {
	return strings.Join(strings.Fields(queryText), " ")
}

// parseOperation reads the operation kind and optional name from the start
// of a normalized query. A bare selection set is a query.
func parseOperation(normalized string) (model.OperationKind, string) {
	trimmed := strings.TrimSpace(normalized)
	if strings.HasPrefix(trimmed, "{") {
		return model.OperationQuery, ""
	}

	word, rest := nextWord(trimmed)
	var kind model.OperationKind
	switch word {
	case "mutation":
		kind = model.OperationMutation
	case "subscription":
		kind = model.OperationSubscription
	case "query":
		kind = model.OperationQuery
	default:
		return model.OperationQuery, ""
	}

	name, _ := nextWord(rest)
	name = strings.TrimFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if idx := strings.IndexAny(name, "({"); idx >= 0 {
		name = name[:idx]
	}
	return kind, name
}

// topLevelFields extracts field names from the outermost selection set
func topLevelFields(normalized string) []string {
	open := strings.Index(normalized, "{")
	if open < 0 {
		return nil
	}

	var fields []string
	depth := 0
	paren := 0
	var current strings.Builder
	flush := func() {
		name := strings.TrimSpace(current.String())
		current.Reset()
		if idx := strings.IndexAny(name, "(:@"); idx >= 0 {
			name = name[:idx]
		}
		name = strings.TrimSpace(name)
		if name != "" && !strings.HasPrefix(name, "...") {
			fields = append(fields, name)
		}
	}

	for _, r := range normalized[open:] {
		switch {
		case r == '(':
			if depth == 1 && paren == 0 {
				flush()
			}
			paren++
		case r == ')':
			paren--
		case paren > 0:
			// argument lists never contribute fields
		case r == '{':
			if depth == 1 {
				flush()
			}
			depth++
		case r == '}':
			if depth == 1 {
				flush()
			}
			depth--
			if depth == 0 {
				return fields
			}
		case r == ' ' || r == ',' || r == '\n':
			if depth == 1 {
				flush()
			}
		default:
			if depth == 1 {
				current.WriteRune(r)
			}
		}
	}
	return fields
}

// complexityScore estimates structural cost as field count plus nesting depth
func complexityScore(normalized string) int {
	depth := 0
	maxDepth := 0
	fieldCount := 0
	inField := false

	for _, r := range normalized {
		switch {
		case r == '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			inField = false
		case r == '}':
			depth--
			inField = false
		case unicode.IsLetter(r) || r == '_':
			if !inField && depth > 0 {
				fieldCount++
				inField = true
			}
		default:
			inField = false
		}
	}

	return fieldCount + maxDepth*2
}

func nextWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}
