package walk

import (
	"math/rand"
	"time"
)

// Moves lists the signed single-digit deltas that are legal at a given
// digit: an addition a is legal iff d+a stays in [0,9], a subtraction s is
// legal iff d-s stays in [0,9]. This is the complement rule set used in
// abacus pedagogy; the running value always fits on one abacus column.
type Moves struct {
	Additions    []int
	Subtractions []int
}

// legalMoves is the static transition table over digits 0..9, built once.
var legalMoves = buildTable()

func buildTable() [10]Moves {
	var table [10]Moves
	for d := 0; d <= 9; d++ {
		for n := 1; n <= 9; n++ {
			if d+n <= 9 {
				table[d].Additions = append(table[d].Additions, n)
			}
			if d-n >= 0 {
				table[d].Subtractions = append(table[d].Subtractions, n)
			}
		}
	}
	return table
}

// LegalMoves returns the legal additions and subtractions at digit d.
func LegalMoves(d int) Moves {
	return legalMoves[d]
}

// deltasFor flattens the legal moves at digit d into signed deltas.
func deltasFor(d int) []int {
	moves := legalMoves[d]
	deltas := make([]int, 0, len(moves.Additions)+len(moves.Subtractions))
	for _, a := range moves.Additions {
		deltas = append(deltas, a)
	}
	for _, s := range moves.Subtractions {
		deltas = append(deltas, -s)
	}
	return deltas
}

// Problem is one bounded digit walk: a starting digit, the signed terms
// applied to it in order, and the final running value both players must
// compute mentally.
type Problem struct {
	InitialValue int   `json:"initial_value"`
	Steps        []int `json:"steps"`
	Answer       int   `json:"answer"`
}

// Values returns the full running-value sequence, starting with
// InitialValue and ending with Answer.
func (p Problem) Values() []int {
	values := make([]int, 0, len(p.Steps)+1)
	v := p.InitialValue
	values = append(values, v)
	for _, step := range p.Steps {
		v += step
		values = append(values, v)
	}
	return values
}

// Generator produces digit-walk problems from a random source. It is pure
// and deterministic given a seed; it knows nothing about rooms or channels.
type Generator struct {
	random *rand.Rand
}

// Config for the generator
type Config struct {
	// Optional seed for testing
	Seed int64
}

// New creates a new problem generator
func New(cfg *Config) *Generator {
	var seed int64
	if cfg != nil && cfg.Seed != 0 {
		seed = cfg.Seed
	} else {
		seed = time.Now().UnixNano()
	}

	return &Generator{
		random: rand.New(rand.NewSource(seed)),
	}
}

// Generate builds one problem with up to terms steps. The walk terminates
// early if no legal move exists at the current digit, so callers must
// tolerate problems shorter than requested.
func (g *Generator) Generate(terms int) Problem {
	v := g.random.Intn(10)
	p := Problem{
		InitialValue: v,
		Steps:        make([]int, 0, terms),
	}

	for i := 0; i < terms; i++ {
		deltas := deltasFor(v)
		if len(deltas) == 0 {
			break
		}
		delta := deltas[g.random.Intn(len(deltas))]
		p.Steps = append(p.Steps, delta)
		v += delta
	}

	p.Answer = v
	return p
}
