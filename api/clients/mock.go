package clients

import (
	"context"

	"github.com/ruteri/vhd-provisioner/api"
	"github.com/stretchr/testify/mock"
)

// MockAdminClient implements api.AdminService for testing.
// The behavior is determined by how the mock is configured in tests.
type MockAdminClient struct {
	mock.Mock
}

func (m *MockAdminClient) BootImageSelect(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockAdminClient) Protect(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockAdminClient) Envelope(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockAdminClient) RegisterKey(ctx context.Context, reg api.KeyRegistration) error {
	args := m.Called(ctx, reg)
	return args.Error(0)
}

var (
	_ api.AdminService = (*AdminClient)(nil)
	_ api.AdminService = (*MockAdminClient)(nil)
)
