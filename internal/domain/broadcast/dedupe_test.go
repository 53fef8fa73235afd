package broadcast

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermail/membermail/internal/domain/model"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User@Example.com", "user@example.com"},
		{"  user@example.com  ", "user@example.com"},
		{"\tUSER_123\n", "user_123"},
		{"   ", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeKey(tt.in), "input %q", tt.in)
	}
}

func TestDedupe_PreservesFirstSeenOrder(t *testing.T) {
	res := Dedupe([]model.RecipientTarget{
		{Key: "c@example.com"},
		{Key: "A@example.com", Fields: map[string]string{"name": "first"}},
		{Key: "b@example.com"},
		{Key: "a@example.com", Fields: map[string]string{"name": "second"}},
		{Key: "C@EXAMPLE.COM"},
	})

	require.Len(t, res.Unique, 3)
	assert.Equal(t, "c@example.com", res.Unique[0].Key)
	assert.Equal(t, "a@example.com", res.Unique[1].Key)
	assert.Equal(t, "b@example.com", res.Unique[2].Key)

	// The first occurrence keeps its fields; later duplicates are reported.
	assert.Equal(t, "first", res.Unique[1].Fields["name"])
	require.Len(t, res.Duplicates, 2)
	assert.Equal(t, "a@example.com", res.Duplicates[0].Key)
	assert.Equal(t, "c@example.com", res.Duplicates[1].Key)
}

func TestDedupe_DropsEmptyKeys(t *testing.T) {
	res := Dedupe([]model.RecipientTarget{
		{Key: "   "},
		{Key: "a@example.com"},
		{Key: ""},
	})

	require.Len(t, res.Unique, 1)
	assert.Empty(t, res.Duplicates)
}

func TestDedupe_Deterministic(t *testing.T) {
	in := []model.RecipientTarget{
		{Key: "B"}, {Key: "a"}, {Key: "b"}, {Key: "A"}, {Key: "c"},
	}

	first := Dedupe(in)
	second := Dedupe(in)
	assert.Equal(t, first.Unique, second.Unique)
}

func TestBatches(t *testing.T) {
	recipients := make([]model.RecipientTarget, 10)
	for i := range recipients {
		recipients[i] = model.RecipientTarget{Key: fmt.Sprintf("u-%d", i)}
	}

	tests := []struct {
		name      string
		from      int
		size      int
		wantSizes []int
		firstKey  string
	}{
		{"from start", 0, 4, []int{4, 4, 2}, "u-0"},
		{"from checkpoint", 6, 4, []int{4}, "u-6"},
		{"exact multiple", 0, 5, []int{5, 5}, "u-0"},
		{"single batch", 0, 100, []int{10}, "u-0"},
		{"checkpoint at end", 10, 4, nil, ""},
		{"checkpoint past end", 15, 4, nil, ""},
		{"negative from clamps", -3, 10, []int{10}, "u-0"},
		{"zero size clamps to one", 8, 0, []int{1, 1}, "u-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := Batches(recipients, tt.from, tt.size)
			require.Len(t, batches, len(tt.wantSizes))
			for i, b := range batches {
				assert.Len(t, b, tt.wantSizes[i])
			}
			if tt.firstKey != "" {
				assert.Equal(t, tt.firstKey, batches[0][0].Key)
			}
		})
	}
}

func TestBatches_CoversEveryRecipientOnce(t *testing.T) {
	recipients := make([]model.RecipientTarget, 23)
	for i := range recipients {
		recipients[i] = model.RecipientTarget{Key: fmt.Sprintf("u-%d", i)}
	}

	seen := make(map[string]int)
	for _, batch := range Batches(recipients, 5, 7) {
		for _, r := range batch {
			seen[r.Key]++
		}
	}

	assert.Len(t, seen, 18)
	for key, count := range seen {
		assert.Equal(t, 1, count, "recipient %s", key)
	}
	assert.NotContains(t, seen, "u-4")
	assert.Contains(t, seen, "u-5")
}
