package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/ingestion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func findCommand(t *testing.T, app *cli.App, name string) *cli.Command {
	t.Helper()
	for _, cmd := range app.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %s not found", name)
	return nil
}

func findStringFlag(cmd *cli.Command, name string) *cli.StringFlag {
	for _, flag := range cmd.Flags {
		if f, ok := flag.(*cli.StringFlag); ok && f.Name == name {
			return f
		}
	}
	return nil
}

func TestAppCommands(t *testing.T) {
	app := newApp()

	for _, name := range []string{"serve", "worker", "import", "status", "reindex", "search"} {
		assert.NotNil(t, findCommand(t, app, name))
	}

	t.Run("import requires document id and user", func(t *testing.T) {
		cmd := findCommand(t, app, "import")
		docFlag := findStringFlag(cmd, "document-id")
		require.NotNil(t, docFlag)
		assert.True(t, docFlag.Required)
		userFlag := findStringFlag(cmd, "user")
		require.NotNil(t, userFlag)
		assert.True(t, userFlag.Required)
	})

	t.Run("index has no default value", func(t *testing.T) {
		indexFlag := findStringFlag(findCommand(t, app, "import"), "index")
		require.NotNil(t, indexFlag)
		assert.Empty(t, indexFlag.Value)
	})

	t.Run("missing required flag", func(t *testing.T) {
		app := newApp()
		app.Writer, app.ErrWriter = io.Discard, io.Discard
		err := app.Run([]string{"docmem", "import", "--user", "alice", "notes.txt"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "document-id")
	})

	t.Run("invalid log level", func(t *testing.T) {
		app := newApp()
		app.Writer, app.ErrWriter = io.Discard, io.Discard
		err := app.Run([]string{"docmem", "--log-level", "verbose", "status", "-d", "doc1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    core.TagCollection
		wantErr bool
	}{
		{"empty", nil, core.TagCollection{}, false},
		{"single", []string{"project:docs"}, core.TagCollection{"project": {"docs"}}, false},
		{"repeated key", []string{"lang:en", "lang:de"}, core.TagCollection{"lang": {"en", "de"}}, false},
		{"value with colon", []string{"url:http://x"}, core.TagCollection{"url": {"http://x"}}, false},
		{"trims spaces", []string{" project : docs "}, core.TagCollection{"project": {"docs"}}, false},
		{"missing separator", []string{"project"}, nil, true},
		{"empty key", []string{":docs"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTags(tt.pairs)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrInvalidTag)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docmem.yaml")
	cfg := "storage:\n  path: " + filepath.Join(dir, "data") + "\nembedding:\n  provider: mock\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer, app.ErrWriter = &out, io.Discard
	require.NoError(t, app.Run(append([]string{"docmem"}, args...)))
	return out.String()
}

func TestImportStatusAndSearchCommands(t *testing.T) {
	cfgPath := writeConfig(t)
	notes := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("Badger keeps keys in an LSM tree."), 0o644))

	out := run(t, "--config", cfgPath, "import", "-d", "doc1", "-u", "alice", "--tag", "project:docs", "--wait", notes)
	var status ingestion.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "doc1", status.DocumentID)
	assert.True(t, status.Completed)

	out = run(t, "--config", cfgPath, "status", "-d", "doc1")
	status = ingestion.Status{}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, core.PipelineStateCompleted, status.State)
	assert.Equal(t, []string{"docs"}, status.Tags["project"])

	out = run(t, "--config", cfgPath, "search", "--tag", "project:docs", "Badger", "keeps", "keys", "in", "an", "LSM", "tree.")
	assert.Contains(t, out, "Found 1 hits")
	assert.Contains(t, out, "(doc1/notes.txt)")

	run(t, "--config", cfgPath, "reindex", "--retry-delay", "1ms", "--wait")
	out = run(t, "--config", cfgPath, "search", "Badger", "keeps", "keys", "in", "an", "LSM", "tree.")
	assert.Contains(t, out, "Found 1 hits")
}

func TestStatusCommandUnknownDocument(t *testing.T) {
	cfgPath := writeConfig(t)
	app := newApp()
	app.Writer, app.ErrWriter = io.Discard, io.Discard
	err := app.Run([]string{"docmem", "--config", cfgPath, "status", "-d", "missing"})
	assert.Error(t, err)
}
