package service

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermail/membermail/internal/domain/model"
)

func member(raw string) json.RawMessage { return json.RawMessage(raw) }

func TestNewAudienceMapper_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mapping AudienceMapping
		wantErr string
	}{
		{
			name:    "missing key expression",
			mapping: AudienceMapping{},
			wantErr: "key expression is required",
		},
		{
			name:    "invalid key expression",
			mapping: AudienceMapping{KeyExpr: "]["},
			wantErr: "invalid key expression",
		},
		{
			name: "invalid field expression",
			mapping: AudienceMapping{
				KeyExpr:    "user.id",
				FieldExprs: map[string]string{"email": "]["},
			},
			wantErr: "invalid field expression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAudienceMapper(AudienceMapperOptions{Mapping: tt.mapping})
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMapMembers_ProjectsKeyAndFields(t *testing.T) {
	m, err := NewAudienceMapper(AudienceMapperOptions{
		Mapping: AudienceMapping{
			KeyExpr: "user.email",
			FieldExprs: map[string]string{
				"name":    "user.name",
				"user_id": "user.id",
			},
		},
	})
	require.NoError(t, err)

	targets, skipped, err := m.MapMembers([]json.RawMessage{
		member(`{"user":{"email":"a@example.com","name":"Ada","id":"u_1"}}`),
		member(`{"user":{"email":"b@example.com","id":"u_2"}}`),
	})
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, targets, 2)

	assert.Equal(t, "a@example.com", targets[0].Key)
	assert.Equal(t, model.RecipientTarget{
		Key:    "a@example.com",
		Fields: map[string]string{"name": "Ada", "user_id": "u_1"},
	}, targets[0])

	// Fields whose expression yields nothing are simply omitted.
	assert.Equal(t, "b@example.com", targets[1].Key)
	assert.NotContains(t, targets[1].Fields, "name")
	assert.Equal(t, "u_2", targets[1].Fields["user_id"])
}

func TestMapMembers_SkipsRecordsWithoutKey(t *testing.T) {
	m, err := NewAudienceMapper(AudienceMapperOptions{
		Mapping: AudienceMapping{KeyExpr: "user.email"},
	})
	require.NoError(t, err)

	targets, skipped, err := m.MapMembers([]json.RawMessage{
		member(`{"user":{"email":"a@example.com"}}`),
		member(`{"user":{"name":"No Email"}}`),
		member(`{"user":{"email":"   "}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, targets, 1)
	assert.Equal(t, "a@example.com", targets[0].Key)
}

func TestMapMembers_ScalarCoercion(t *testing.T) {
	m, err := NewAudienceMapper(AudienceMapperOptions{
		Mapping: AudienceMapping{KeyExpr: "id"},
	})
	require.NoError(t, err)

	targets, skipped, err := m.MapMembers([]json.RawMessage{
		member(`{"id":12345}`),
		member(`{"id":true}`),
	})
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, targets, 2)
	assert.Equal(t, "12345", targets[0].Key)
	assert.Equal(t, "true", targets[1].Key)
}

func TestMapMembers_NonScalarKeyFails(t *testing.T) {
	m, err := NewAudienceMapper(AudienceMapperOptions{
		Mapping: AudienceMapping{KeyExpr: "user"},
	})
	require.NoError(t, err)

	_, _, err = m.MapMembers([]json.RawMessage{
		member(`{"user":{"email":"a@example.com"}}`),
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "non-scalar")
}

func TestMapMembers_InvalidJSON(t *testing.T) {
	m, err := NewAudienceMapper(AudienceMapperOptions{
		Mapping: AudienceMapping{KeyExpr: "id"},
	})
	require.NoError(t, err)

	_, _, err = m.MapMembers([]json.RawMessage{member(`{"id":`)})
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid JSON")
}

// stubEvaluator lets tests drive evaluator failures without crafting
// expressions that break the real library.
type stubEvaluator struct {
	validateErr error
	evalErr     error
	result      any
}

func (s stubEvaluator) Validate(string) error { return s.validateErr }

func (s stubEvaluator) Evaluate(string, any) (any, error) {
	return s.result, s.evalErr
}

func TestMapMembers_EvaluatorErrorPropagates(t *testing.T) {
	m, err := NewAudienceMapper(AudienceMapperOptions{
		Mapping:   AudienceMapping{KeyExpr: "id"},
		Evaluator: stubEvaluator{evalErr: errors.New("boom")},
	})
	require.NoError(t, err)

	_, _, err = m.MapMembers([]json.RawMessage{member(`{"id":"x"}`)})
	require.Error(t, err)
	assert.ErrorContains(t, err, "evaluate key")
}
