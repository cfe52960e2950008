package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/manuscript/internal/generation/domain"
)

// StaticGenerator builds a deterministic manuscript from the order input.
// It backs local development and tests where no generation service runs.
type StaticGenerator struct{}

func NewStaticGenerator() *StaticGenerator {
	return &StaticGenerator{}
}

func (StaticGenerator) Generate(ctx context.Context, in domain.Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.Transient(err)
	}
	if strings.TrimSpace(in.Guide) == "" && strings.TrimSpace(in.PlaceName) == "" {
		return "", domain.Permanent(fmt.Errorf("order %s has no guide content", in.OrderID))
	}

	var b strings.Builder
	if in.PlaceName != "" {
		fmt.Fprintf(&b, "A visit to %s. ", in.PlaceName)
	}
	b.WriteString(strings.TrimSpace(in.Guide))
	if len(in.Keywords) > 0 {
		fmt.Fprintf(&b, " Highlights: %s.", strings.Join(in.Keywords, ", "))
	}
	if memo := strings.TrimSpace(in.RevisionMemo); memo != "" {
		fmt.Fprintf(&b, " Revised for: %s.", memo)
	}
	if extra := strings.TrimSpace(in.ExtraInstruction); extra != "" {
		fmt.Fprintf(&b, " %s.", strings.TrimSuffix(extra, "."))
	}
	for i, kw := range in.Keywords {
		if i == 3 {
			break
		}
		b.WriteString(" #")
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(kw), " ", ""))
	}
	return b.String(), nil
}
