package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/renstrom/dedent"
	"golang.org/x/tools/txtar"
)

func TestDefaultConfig(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultConfig(), config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if err := config.Validate(); err != nil {
		t.Error(err)
	}
}

func TestDecodeConfig(t *testing.T) {
	config := DefaultConfig()
	err := config.Decode([]byte(dedent.Dedent(`
		concurrency: 4
		log:
		  level: debug
	`)))
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.Concurrency = 4
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	empty := DefaultConfig()
	if err := empty.Decode(nil); err != nil {
		t.Errorf("empty document: %v", err)
	}
}

func TestDecodeConfigErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "workers: 3\n",
			want: "field workers not found",
		},
		{
			name: "negative concurrency",
			yaml: "concurrency: -1\n",
			want: "concurrency must not be negative",
		},
		{
			name: "empty marker owner",
			yaml: "markerOwner: \"\"\n",
			want: "markerOwner must not be empty",
		},
		{
			name: "bad level",
			yaml: "log:\n  level: loud\n",
			want: "unrecognized level",
		},
		{
			name: "bad format",
			yaml: "log:\n  format: xml\n",
			want: "unknown log format",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			config := DefaultConfig()
			err := config.Decode([]byte(test.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not mention %q", err, test.want)
			}
		})
	}
}

func TestConfigLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		t.Run(format, func(t *testing.T) {
			config := DefaultConfig()
			config.Log.Format = format
			config.Log.Level = "warn"
			logger, err := config.Logger()
			if err != nil {
				t.Fatal(err)
			}
			if logger.Core().Enabled(-1) {
				t.Error("debug logs are enabled at warn level")
			}
		})
	}
}

const counterArchive = `
-- counter.s --
class demo/Count
  field n I

  method public run (Ljava/lang/Object;Ljava/lang/Throwable;)V
    .locals 4
    .annotation Lsuspend/ContinuationMethod;
    iconst 0
    istore 3
  head:
    iload 3
    iconst 3
    if_icmpge done
    iload 3
    box I
    aload 0
    invokestatic suspend/Markers suspensionPoint ()V
    invokestatic suspend/Coroutine yield (Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;
    pop
    iload 3
    iconst 1
    iadd
    istore 3
    goto head
  done:
    return
  end
-- README --
not assembly
`

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counter.txtar")
	if err := os.WriteFile(path, []byte(counterArchive), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	cmd := rootCommand(&stdout)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestLowerCommand(t *testing.T) {
	out, err := execute(t, "lower", writeArchive(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"class demo/Count",
		"field private volatile label I",
		".annotation Lsuspend/SkipTransform;",
		"tableswitch 0 1",
		`trap "corrupted continuation state"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing does not contain %q:\n%s", want, out)
		}
	}
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "run", writeArchive(t))
	if err != nil {
		t.Fatal(err)
	}
	want := "yield: 0\nyield: 1\nyield: 2\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestReadSources(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txtar")
	data := txtar.Format(&txtar.Archive{Files: []txtar.File{{Name: "notes.txt", Data: []byte("x\n")}}})
	if err := os.WriteFile(empty, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readSources(empty); err == nil {
		t.Error("expected an error for an archive without assembly")
	}

	sources, err := readSources(writeArchive(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || !strings.HasSuffix(sources[0].name, ":counter.s") {
		t.Errorf("unexpected sources: %v", sources)
	}
}
