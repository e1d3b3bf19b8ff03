package main

import (
	"errors"
	"testing"

	"github.com/pipemend-io/pipemend/migrations"
)

// mockRunner implements migrations.MigrationRunner for dispatch testing.
type mockRunner struct {
	upErr      error
	downErr    error
	statusErr  error
	versionErr error
	dropErr    error
	closeErr   error

	calls []string
}

func (m *mockRunner) Up() error {
	m.calls = append(m.calls, "up")

	return m.upErr
}

func (m *mockRunner) Down() error {
	m.calls = append(m.calls, "down")

	return m.downErr
}

func (m *mockRunner) Status() error {
	m.calls = append(m.calls, "status")

	return m.statusErr
}

func (m *mockRunner) Version() error {
	m.calls = append(m.calls, "version")

	return m.versionErr
}

func (m *mockRunner) Drop() error {
	m.calls = append(m.calls, "drop")

	return m.dropErr
}

func (m *mockRunner) Close() error {
	m.calls = append(m.calls, "close")

	return m.closeErr
}

var _ migrations.MigrationRunner = (*mockRunner)(nil)

func TestExecuteCommand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		command   string
		runner    *mockRunner
		wantErr   bool
		wantCalls []string
	}{
		{
			name:      "up dispatches to runner",
			command:   "up",
			runner:    &mockRunner{},
			wantCalls: []string{"up"},
		},
		{
			name:      "down dispatches to runner",
			command:   "down",
			runner:    &mockRunner{},
			wantCalls: []string{"down"},
		},
		{
			name:      "status dispatches to runner",
			command:   "status",
			runner:    &mockRunner{},
			wantCalls: []string{"status"},
		},
		{
			name:      "version dispatches to runner",
			command:   "version",
			runner:    &mockRunner{},
			wantCalls: []string{"version"},
		},
		{
			name:      "up error propagates",
			command:   "up",
			runner:    &mockRunner{upErr: errors.New("syntax error in migration")},
			wantErr:   true,
			wantCalls: []string{"up"},
		},
		{
			name:    "unknown command is rejected without runner calls",
			command: "sideways",
			runner:  &mockRunner{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executeCommand(tt.command, tt.runner)

			if tt.wantErr && err == nil {
				t.Errorf("executeCommand(%q) expected error, got nil", tt.command)
			}

			if !tt.wantErr && err != nil {
				t.Errorf("executeCommand(%q) unexpected error: %v", tt.command, err)
			}

			if len(tt.runner.calls) != len(tt.wantCalls) {
				t.Fatalf("executeCommand(%q) calls = %v, want %v", tt.command, tt.runner.calls, tt.wantCalls)
			}

			for i, call := range tt.wantCalls {
				if tt.runner.calls[i] != call {
					t.Errorf("executeCommand(%q) call %d = %s, want %s", tt.command, i, tt.runner.calls[i], call)
				}
			}
		})
	}
}
