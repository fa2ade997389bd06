package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFieldName(t *testing.T) {
	cases := map[string]string{
		"  Amount Due  ": "amount_due",
		"ID":             "id",
		"a--b":           "a_b",
		"__x__":          "x",
	}
	for input, want := range cases {
		got, err := NormalizeFieldName(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestNormalizeFieldNameRejectsEmpty(t *testing.T) {
	_, err := NormalizeFieldName("   ---   ")
	require.Error(t, err)
}

func TestObservedModeLocksOnFirstRow(t *testing.T) {
	c := &SchemaContract{Mode: ModeObserved}
	violations, err := c.Observe(map[string]interface{}{"id": float64(1), "amount": float64(10)})
	require.NoError(t, err)
	require.Empty(t, violations)
	require.True(t, c.Locked)

	hashBefore, err := c.VersionHash()
	require.NoError(t, err)

	violations, err = c.Observe(map[string]interface{}{"id": float64(2), "amount": float64(20)})
	require.NoError(t, err)
	require.Empty(t, violations)

	hashAfter, err := c.VersionHash()
	require.NoError(t, err)
	require.Equal(t, hashBefore, hashAfter, "contract lock idempotence")
}

func TestFixedModeRejectsTypeMismatch(t *testing.T) {
	c := &SchemaContract{
		Mode: ModeFixed,
		Fields: []FieldContract{
			{NormalizedName: "id", OriginalName: "id", GoType: "int64", Required: true, Source: SourceDeclared},
			{NormalizedName: "amount", OriginalName: "amount", GoType: "int64", Required: true, Source: SourceDeclared},
		},
	}
	violations, err := c.Observe(map[string]interface{}{"id": int64(1), "amount": "nope"})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, ViolationTypeMismatch, violations[0].Type)
}

func TestPipelineRowDualNameAccess(t *testing.T) {
	c := &SchemaContract{
		Fields: []FieldContract{
			{NormalizedName: "amount_due", OriginalName: "Amount Due", GoType: "int64"},
		},
	}
	row := NewPipelineRow(c, map[string]interface{}{"Amount Due": int64(5)})

	v, ok := row.Get("amount_due")
	require.True(t, ok)
	require.Equal(t, int64(5), v)

	row.Set("Amount Due", int64(7))
	require.Equal(t, int64(7), row.Data()["amount_due"])
	_, stillOriginal := row.Data()["Amount Due"]
	require.False(t, stillOriginal)
}

func TestFlexibleModeLocksOnFirstRow(t *testing.T) {
	c := &SchemaContract{
		Mode: ModeFlexible,
		Fields: []FieldContract{
			{NormalizedName: "id", OriginalName: "id", GoType: "int64", Required: true, Source: SourceDeclared},
		},
	}
	violations, err := c.Observe(map[string]interface{}{"id": int64(1), "note": "first"})
	require.NoError(t, err)
	require.Empty(t, violations)
	require.True(t, c.Locked)

	inferred, ok := c.FieldByNormalized("note")
	require.True(t, ok)
	require.Equal(t, SourceInferred, inferred.Source)

	hashBefore, err := c.VersionHash()
	require.NoError(t, err)

	// a field never seen on row 1 is tolerated but must not mutate the lock
	violations, err = c.Observe(map[string]interface{}{"id": int64(2), "note": "second", "surprise": true})
	require.NoError(t, err)
	require.Empty(t, violations)
	require.Len(t, c.Fields, 2)

	hashAfter, err := c.VersionHash()
	require.NoError(t, err)
	require.Equal(t, hashBefore, hashAfter, "contract lock idempotence")
}
