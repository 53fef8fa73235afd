package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/membermail/membermail/internal/domain/model"
)

// JMESPathEvaluator abstracts JMESPath expression handling so tests can stub it.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// AudienceMapping configures how raw membership records become recipients.
// KeyExpr selects the stable recipient key; FieldExprs select the named
// display fields the sender needs.
type AudienceMapping struct {
	KeyExpr    string            `json:"key_expr"`
	FieldExprs map[string]string `json:"field_exprs,omitempty"`
}

// AudienceMapperOptions groups dependencies for AudienceMapper.
type AudienceMapperOptions struct {
	Mapping   AudienceMapping   // Required: key and field expressions
	Evaluator JMESPathEvaluator // Optional: defaults to the go-jmespath library
}

// AudienceMapper projects raw membership records (as delivered by a platform
// membership export) into recipient targets using JMESPath expressions.
// Used by batch-sync jobs, where the caller supplies members rather than
// ready-made recipients.
type AudienceMapper struct {
	mapping   AudienceMapping
	evaluator JMESPathEvaluator
}

// NewAudienceMapper validates the mapping expressions and constructs a mapper.
func NewAudienceMapper(opts AudienceMapperOptions) (*AudienceMapper, error) {
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = jmespathLibEvaluator{}
	}

	if strings.TrimSpace(opts.Mapping.KeyExpr) == "" {
		return nil, errors.New("key expression is required")
	}
	if err := evaluator.Validate(opts.Mapping.KeyExpr); err != nil {
		return nil, fmt.Errorf("invalid key expression %q: %w", opts.Mapping.KeyExpr, err)
	}
	for name, expr := range opts.Mapping.FieldExprs {
		if err := evaluator.Validate(expr); err != nil {
			return nil, fmt.Errorf("invalid field expression %q for %q: %w", expr, name, err)
		}
	}

	return &AudienceMapper{
		mapping:   opts.Mapping,
		evaluator: evaluator,
	}, nil
}

// MapMembers converts raw member records into recipient targets. Records
// whose key expression yields nothing are skipped and reported in skipped.
// Deduplication happens later in the lifecycle; this is projection only.
func (m *AudienceMapper) MapMembers(members []json.RawMessage) (targets []model.RecipientTarget, skipped int, err error) {
	targets = make([]model.RecipientTarget, 0, len(members))

	for i, raw := range members {
		var record any
		if unmarshalErr := json.Unmarshal(raw, &record); unmarshalErr != nil {
			return nil, 0, fmt.Errorf("member %d: invalid JSON: %w", i, unmarshalErr)
		}

		key, evalErr := m.evaluateString(m.mapping.KeyExpr, record)
		if evalErr != nil {
			return nil, 0, fmt.Errorf("member %d: evaluate key: %w", i, evalErr)
		}
		if key == "" {
			skipped++
			continue
		}

		target := model.RecipientTarget{Key: key}
		if len(m.mapping.FieldExprs) > 0 {
			target.Fields = make(map[string]string, len(m.mapping.FieldExprs))
			for name, expr := range m.mapping.FieldExprs {
				value, fieldErr := m.evaluateString(expr, record)
				if fieldErr != nil {
					return nil, 0, fmt.Errorf("member %d: evaluate field %q: %w", i, name, fieldErr)
				}
				if value != "" {
					target.Fields[name] = value
				}
			}
		}
		targets = append(targets, target)
	}
	return targets, skipped, nil
}

// evaluateString evaluates an expression and coerces scalar results to string.
func (m *AudienceMapper) evaluateString(expr string, record any) (string, error) {
	result, err := m.evaluator.Evaluate(expr, record)
	if err != nil {
		return "", err
	}
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%v", v)), nil
	case bool:
		return fmt.Sprintf("%t", v), nil
	default:
		return "", fmt.Errorf("expression %q yielded non-scalar %T", expr, result)
	}
}
