package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestComputeInclusion(t *testing.T) {
	passedStates := []*bool{nil, boolPtr(false), boolPtr(true)}

	for _, passed := range passedStates {
		for _, dup := range []bool{false, true} {
			for _, inc := range []bool{false, true} {
				for _, exc := range []bool{false, true} {
					got := ComputeInclusion(passed, dup, inc, exc)

					var want bool
					switch {
					case inc:
						want = true
					case exc:
						want = false
					default:
						want = passed != nil && *passed && !dup
					}
					assert.Equal(t, want, got, "passed=%v dup=%v inc=%v exc=%v", passed, dup, inc, exc)
				}
			}
		}
	}
}

func TestCandidate_RefreshInclusion(t *testing.T) {
	c := &Candidate{PassedSemanticFilter: boolPtr(true)}
	c.RefreshInclusion()
	assert.True(t, c.IncludedInReport)

	c.IsDuplicate = true
	c.RefreshInclusion()
	assert.False(t, c.IncludedInReport)

	c.CuratorIncluded = true
	c.RefreshInclusion()
	assert.True(t, c.IncludedInReport)
}

func TestCurationAction_Flags(t *testing.T) {
	inc, exc, err := CurationInclude.Flags()
	require.NoError(t, err)
	assert.True(t, inc)
	assert.False(t, exc)

	inc, exc, err = CurationExclude.Flags()
	require.NoError(t, err)
	assert.False(t, inc)
	assert.True(t, exc)

	inc, exc, err = CurationClear.Flags()
	require.NoError(t, err)
	assert.False(t, inc)
	assert.False(t, exc)

	_, _, err = CurationAction("maybe").Flags()
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNormalizeDOI(t *testing.T) {
	assert.Equal(t, "10.1000/xyz123", NormalizeDOI("  https://doi.org/10.1000/XYZ123 "))
	assert.Equal(t, "10.1000/xyz123", NormalizeDOI("doi:10.1000/xyz123"))
	assert.Equal(t, "10.1000/xyz123", NormalizeDOI("http://dx.doi.org/10.1000/xyz123"))
	assert.Equal(t, "", NormalizeDOI(""))
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	assert.Equal(t, short, TruncateError(short))

	long := make([]rune, 600)
	for i := range long {
		long[i] = 'x'
	}
	got := TruncateError(string(long))
	assert.Len(t, []rune(got), 503)
}
