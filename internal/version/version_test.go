package version

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBump(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		next     string
		wantPrev string
		wantErr  bool
	}{
		{
			name:     "replace existing version",
			content:  "# deployed by CI\nversion: v1\nwaitForActivation: true\n",
			next:     "v2",
			wantPrev: "v1",
		},
		{
			name:     "add missing version",
			content:  "waitForActivation: false\n",
			next:     "v1",
			wantPrev: "",
		},
		{
			name:    "same version",
			content: "version: v3\n",
			next:    "v3",
			wantErr: true,
		},
		{
			name:    "invalid version",
			content: "version: v3\n",
			next:    "v 4",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, tt.content)
			prev, err := Bump(path, tt.next)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Bump() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if prev != tt.wantPrev {
				t.Errorf("previous = %q, want %q", prev, tt.wantPrev)
			}
			m, err := Current(path)
			if err != nil {
				t.Fatalf("Current() failed: %v", err)
			}
			if m.Version != tt.next {
				t.Errorf("version = %q, want %q", m.Version, tt.next)
			}
		})
	}
}

func TestBump_PreservesCommentsAndKeys(t *testing.T) {
	path := writeManifest(t, "# deployed by CI\nversion: v1\nwaitForActivation: true\n")
	if _, err := Bump(path, "v2"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, "# deployed by CI") {
		t.Errorf("comment lost:\n%s", out)
	}
	m, _ := Current(path)
	if !m.WaitForActivation {
		t.Error("waitForActivation lost")
	}
}

func TestBump_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if _, err := Bump(path, "v1"); err != nil {
		t.Fatalf("Bump() failed: %v", err)
	}
	m, err := Current(path)
	if err != nil || m.Version != "v1" {
		t.Errorf("Current() = %+v, %v", m, err)
	}
}
