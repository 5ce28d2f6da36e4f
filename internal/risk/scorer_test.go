package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestConstantScorer(t *testing.T) {
	ctx := context.Background()
	in := Input{Amount: decimal.NewFromInt(10000), Method: "credit_card"}

	score, err := NewConstantScorer().Score(ctx, in)
	assert.NoError(t, err)
	assert.Zero(t, score)

	score, _ = ConstantScorer{Value: 0.35}.Score(ctx, in)
	assert.Equal(t, 0.35, score)

	score, _ = ConstantScorer{Value: 3}.Score(ctx, in)
	assert.Equal(t, 1.0, score)

	score, _ = ConstantScorer{Value: -1}.Score(ctx, in)
	assert.Equal(t, 0.0, score)
}
