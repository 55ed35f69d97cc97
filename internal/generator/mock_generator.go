package generator

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// MockGenerator is a testify mock of newsdesk.Generator.
type MockGenerator struct {
	mock.Mock
}

// Generate records the call and returns the configured result.
func (m *MockGenerator) Generate(
	ctx context.Context,
	instruction string,
	digestCtx newsdesk.DigestContext,
) (newsdesk.GeneratedDigest, error) {
	args := m.Called(ctx, instruction, digestCtx)
	out, _ := args.Get(0).(newsdesk.GeneratedDigest)
	return out, args.Error(1)
}
