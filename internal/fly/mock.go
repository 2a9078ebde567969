package fly

import "context"

// MockMachineClient is an injectable fake for tests.
type MockMachineClient struct {
	CreateMachineFn       func(ctx context.Context, token, app string, spec MachineSpec) (Machine, error)
	DestroyMachineFn      func(ctx context.Context, token, app, machineID string) error
	ValidateCredentialsFn func(ctx context.Context, token, app string, mode ValidationMode) ValidationResult
}

// CreateMachine invokes CreateMachineFn or returns ErrMockNotImplemented.
func (m *MockMachineClient) CreateMachine(ctx context.Context, token, app string, spec MachineSpec) (Machine, error) {
	if m.CreateMachineFn == nil {
		return Machine{}, ErrMockNotImplemented
	}
	return m.CreateMachineFn(ctx, token, app, spec)
}

// DestroyMachine invokes DestroyMachineFn or returns ErrMockNotImplemented.
func (m *MockMachineClient) DestroyMachine(ctx context.Context, token, app, machineID string) error {
	if m.DestroyMachineFn == nil {
		return ErrMockNotImplemented
	}
	return m.DestroyMachineFn(ctx, token, app, machineID)
}

// ValidateCredentials invokes ValidateCredentialsFn or reports an error result.
func (m *MockMachineClient) ValidateCredentials(ctx context.Context, token, app string, mode ValidationMode) ValidationResult {
	if m.ValidateCredentialsFn == nil {
		return ValidationResult{Status: StatusError, Message: ErrMockNotImplemented.Error()}
	}
	return m.ValidateCredentialsFn(ctx, token, app, mode)
}
