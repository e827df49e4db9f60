package bloom

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDigestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("no false negatives after round trip", prop.ForAll(
		func(column string, values []string) bool {
			b := NewBuilder(len(values))
			for _, v := range values {
				b.Add(column, v)
			}
			d, err := Decode(b.Encode())
			if err != nil {
				return false
			}
			for _, v := range values {
				if !d.MightContain(column, v) {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("key count survives round trip", prop.ForAll(
		func(values []string) bool {
			b := NewBuilder(len(values))
			for _, v := range values {
				b.Add("col", v)
			}
			d, err := Decode(b.Encode())
			if err != nil {
				return false
			}
			return d.KeyCount() == uint64(len(values))
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
