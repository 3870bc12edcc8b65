package walk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalMovesTable(t *testing.T) {
	for d := 0; d <= 9; d++ {
		moves := LegalMoves(d)
		for _, a := range moves.Additions {
			assert.GreaterOrEqual(t, a, 1)
			assert.LessOrEqual(t, d+a, 9, "addition %d illegal at digit %d", a, d)
		}
		for _, s := range moves.Subtractions {
			assert.GreaterOrEqual(t, s, 1)
			assert.GreaterOrEqual(t, d-s, 0, "subtraction %d illegal at digit %d", s, d)
		}
		// Every digit has at least one legal move, so walks never dead-end.
		assert.NotEmpty(t, deltasFor(d), "digit %d has no legal moves", d)
	}

	// Spot checks at the boundaries.
	assert.Empty(t, LegalMoves(0).Subtractions)
	assert.Len(t, LegalMoves(0).Additions, 9)
	assert.Empty(t, LegalMoves(9).Additions)
	assert.Len(t, LegalMoves(9).Subtractions, 9)
}

func TestGenerateStaysWithinDigitBounds(t *testing.T) {
	for seed := int64(1); seed <= 200; seed++ {
		gen := New(&Config{Seed: seed})
		for i := 0; i < 20; i++ {
			p := gen.Generate(5)
			for _, v := range p.Values() {
				require.GreaterOrEqual(t, v, 0, "seed %d: running value left range", seed)
				require.LessOrEqual(t, v, 9, "seed %d: running value left range", seed)
			}
			require.Len(t, p.Steps, 5)
		}
	}
}

func TestGenerateDeterministicUnderSeed(t *testing.T) {
	first := New(&Config{Seed: 42})
	second := New(&Config{Seed: 42})

	for i := 0; i < 50; i++ {
		a := first.Generate(5)
		b := second.Generate(5)
		require.Equal(t, a.InitialValue, b.InitialValue)
		require.Equal(t, a.Steps, b.Steps)
		require.Equal(t, a.Answer, b.Answer)
	}
}

func TestGenerateAnswerMatchesRunningValue(t *testing.T) {
	gen := New(&Config{Seed: 7})
	for i := 0; i < 100; i++ {
		p := gen.Generate(5)
		v := p.InitialValue
		for _, step := range p.Steps {
			v += step
		}
		require.Equal(t, v, p.Answer)
	}
}

func TestProblemValues(t *testing.T) {
	p := Problem{InitialValue: 4, Steps: []int{3, -5, 2}, Answer: 4}
	assert.Equal(t, []int{4, 7, 2, 4}, p.Values())
}
