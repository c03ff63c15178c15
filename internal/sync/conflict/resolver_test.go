package conflict

import (
	"encoding/json"
	"testing"

	"github.com/kimhsiao/syncbox/internal/models"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// TestDetect covers the revision-based and payload-fallback paths.
func TestDetect(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name        string
		local       *Local
		baseVersion int64
		remote      *Remote
		want        bool
	}{
		{
			name:        "remote unchanged since base",
			local:       &Local{Payload: raw(`{"v":"mine"}`), Version: 3},
			baseVersion: 3,
			remote:      &Remote{Payload: raw(`{"v":"theirs"}`), Revision: 3},
			want:        false,
		},
		{
			name:        "remote moved past base with diverging local",
			local:       &Local{Payload: raw(`{"v":"mine"}`), Version: 3},
			baseVersion: 3,
			remote:      &Remote{Payload: raw(`{"v":"theirs"}`), Revision: 5},
			want:        true,
		},
		{
			name:        "remote moved but payloads converged",
			local:       &Local{Payload: raw(`{"v":"same"}`), Version: 3},
			baseVersion: 3,
			remote:      &Remote{Payload: raw(`{"v":"same"}`), Revision: 5},
			want:        false,
		},
		{
			name:        "no revision metadata, payloads differ",
			local:       &Local{Payload: raw(`{"v":"mine"}`)},
			baseVersion: 0,
			remote:      &Remote{Payload: raw(`{"v":"theirs"}`), Revision: 0},
			want:        true,
		},
		{
			name:        "no revision metadata, payloads equal",
			local:       &Local{Payload: raw(`{"v":"same"}`)},
			baseVersion: 0,
			remote:      &Remote{Payload: raw(`{"v":"same"}`), Revision: 0},
			want:        false,
		},
		{
			name:        "nil local never conflicts",
			local:       nil,
			baseVersion: 0,
			remote:      &Remote{Payload: raw(`{}`), Revision: 9},
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Detect(tt.local, tt.baseVersion, tt.remote); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestResolveLastWriteWins verifies timestamp comparison and the
// local-wins tiebreak.
func TestResolveLastWriteWins(t *testing.T) {
	r := NewResolver()
	local := &Local{Payload: raw(`{"v":"local"}`), Version: 3, ModifiedAt: 200}
	remote := &Remote{Payload: raw(`{"v":"remote"}`), Revision: 5, ModifiedAt: 100}

	outcome, err := r.Resolve("projects", "p-1", "cf-1", local, remote, StrategyLastWriteWins, 1000)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Resolution != models.ResolutionLocal {
		t.Errorf("Resolution = %s, want local", outcome.Resolution)
	}
	if string(outcome.Payload) != `{"v":"local"}` {
		t.Errorf("Payload = %s", outcome.Payload)
	}
	if !outcome.Record.Resolved {
		t.Error("Record should be marked resolved")
	}

	// Remote newer
	remote.ModifiedAt = 300
	outcome, _ = r.Resolve("projects", "p-1", "cf-2", local, remote, StrategyLastWriteWins, 1000)
	if outcome.Resolution != models.ResolutionRemote || string(outcome.Payload) != `{"v":"remote"}` {
		t.Errorf("Remote should win: %+v", outcome)
	}

	// Equal timestamps break toward local.
	remote.ModifiedAt = 200
	outcome, _ = r.Resolve("projects", "p-1", "cf-3", local, remote, StrategyLastWriteWins, 1000)
	if outcome.Resolution != models.ResolutionLocal {
		t.Errorf("Equal timestamps must break toward local, got %s", outcome.Resolution)
	}
}

// TestResolveServerWins verifies the remote always wins regardless of
// timestamps.
func TestResolveServerWins(t *testing.T) {
	r := NewResolver()
	local := &Local{Payload: raw(`{"v":"local"}`), ModifiedAt: 999}
	remote := &Remote{Payload: raw(`{"v":"remote"}`), Revision: 5, ModifiedAt: 1}

	outcome, err := r.Resolve("projects", "p-1", "cf-1", local, remote, StrategyServerWins, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Resolution != models.ResolutionRemote || string(outcome.Payload) != `{"v":"remote"}` {
		t.Errorf("Server wins should pick remote: %+v", outcome)
	}
}

// TestResolveManual verifies no winner is applied and the record is
// frozen manual-pending with both sides preserved.
func TestResolveManual(t *testing.T) {
	r := NewResolver()
	local := &Local{Payload: raw(`{"v":"local"}`), Version: 3, ModifiedAt: 200}
	remote := &Remote{Payload: raw(`{"v":"remote"}`), Revision: 5, ModifiedAt: 100}

	outcome, err := r.Resolve("projects", "p-1", "cf-1", local, remote, StrategyManual, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Resolution != models.ResolutionManualPending {
		t.Errorf("Resolution = %s, want manual_pending", outcome.Resolution)
	}
	if outcome.Payload != nil {
		t.Error("Manual resolution must not pick a winning payload")
	}
	if !outcome.Record.ManualPending() {
		t.Error("Record should be manual-pending")
	}
	if string(outcome.Record.LocalPayload) != `{"v":"local"}` ||
		string(outcome.Record.RemotePayload) != `{"v":"remote"}` {
		t.Error("Both payloads must be preserved for later inspection")
	}
	if outcome.Record.DetectedAt != 1000 {
		t.Errorf("DetectedAt = %d, want the supplied 1000", outcome.Record.DetectedAt)
	}
}

// TestResolveDeterministic verifies repeated resolution of the same
// inputs yields identical outcomes.
func TestResolveDeterministic(t *testing.T) {
	r := NewResolver()
	local := &Local{Payload: raw(`{"v":"local"}`), Version: 3, ModifiedAt: 150}
	remote := &Remote{Payload: raw(`{"v":"remote"}`), Revision: 5, ModifiedAt: 150}

	first, err := r.Resolve("projects", "p-1", "cf-1", local, remote, StrategyLastWriteWins, 1000)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.Resolve("projects", "p-1", "cf-1", local, remote, StrategyLastWriteWins, 1000)
		if err != nil {
			t.Fatal(err)
		}
		if again.Resolution != first.Resolution || string(again.Payload) != string(first.Payload) {
			t.Fatalf("Run %d diverged: %+v vs %+v", i, again, first)
		}
		if again.Record.Resolution != first.Record.Resolution ||
			again.Record.DetectedAt != first.Record.DetectedAt {
			t.Fatalf("Run %d record diverged", i)
		}
	}
}

// TestResolveUnknownStrategy verifies an unknown strategy is refused.
func TestResolveUnknownStrategy(t *testing.T) {
	r := NewResolver()
	local := &Local{Payload: raw(`{}`)}
	remote := &Remote{Payload: raw(`{}`)}

	if _, err := r.Resolve("projects", "p-1", "cf-1", local, remote, Strategy("merge"), 0); err == nil {
		t.Error("Unknown strategy should be rejected")
	}
}
