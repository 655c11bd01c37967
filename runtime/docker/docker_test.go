package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
)

func TestContainerName(t *testing.T) {
	cases := map[string]string{
		"agent1":      "oasis-agent1",
		"agent one":   "oasis-agent-one",
		"a b c":       "oasis-a-b-c",
	}
	for in, want := range cases {
		if got := containerName(in); got != want {
			t.Errorf("containerName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBoolToExitCodeNilState(t *testing.T) {
	if got := boolToExitCode(nil); got != 0 {
		t.Errorf("boolToExitCode(nil) = %d, want 0", got)
	}
}

func TestBoolToExitCodeReturnsState(t *testing.T) {
	s := &container.State{ExitCode: 137}
	if got := boolToExitCode(s); got != 137 {
		t.Errorf("boolToExitCode = %d, want 137", got)
	}
}
