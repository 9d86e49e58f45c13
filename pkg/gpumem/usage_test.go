package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFitnessOrderingPerUsage(t *testing.T) {
	cases := []struct {
		usage    MemoryUsage
		favorite allocatorKind
	}{
		{UsageGPUOnly, kindOfGeneral},
		{UsageUpload, kindOfLinear},
		{UsageReadback, kindOfGeneral},
		{UsageTransient, kindOfLinear},
		{UsageDedicated, kindOfDedicated},
	}

	for _, c := range cases {
		scores := map[allocatorKind]int{
			kindOfDedicated: defaultFitness(c.usage, kindOfDedicated),
			kindOfLinear:    defaultFitness(c.usage, kindOfLinear),
			kindOfGeneral:   defaultFitness(c.usage, kindOfGeneral),
		}
		for kind, score := range scores {
			if kind != c.favorite {
				assert.Greaterf(t, scores[c.favorite], score,
					"usage %v: expected %v to score higher than %v", c.usage, c.favorite, kind)
			}
		}
	}
}

func TestDefaultFitnessFallsBackForUnknownUsage(t *testing.T) {
	unknown := MemoryUsage(999)
	assert.Equal(t, defaultFitness(UsageGPUOnly, kindOfGeneral), defaultFitness(unknown, kindOfGeneral))
}
