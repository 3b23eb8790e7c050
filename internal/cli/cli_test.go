package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/storage/snapshot"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"serve"}, {"observe"}, {"validate"}, {"snapshot", "list"}, {"snapshot", "delete"}} {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestValidateSceneFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", "entities:\n  - name: ship\n    children:\n      - name: hull\n")
	dup := writeFile(t, dir, "dup.json", `{"entities": [{"ref": "a", "name": "a"}, {"ref": "a", "name": "b"}]}`)

	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "config: ok")
	assert.Contains(t, out, "good.yaml: ok (2 entities)")

	_, err = run(t, "validate", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	// duplicates are skipped on bulk load
	out, err = run(t, "validate", dup)
	require.NoError(t, err)
	assert.Contains(t, out, "(1 entities)")
}

func TestValidateRejectsConfig(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "scenesync.yaml", "server:\n  codec: xml\n")
	_, err := run(t, "--config", cfg, "validate")
	assert.Error(t, err)
}

func TestSnapshotCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "snapshots.db")
	cfg := writeFile(t, dir, "scenesync.toml", "[server.snapshot]\npath = \""+filepath.ToSlash(dbPath)+"\"\nname = \"harbor\"\n")

	store, err := snapshot.Open(dbPath)
	require.NoError(t, err)
	_, err = store.Save(context.Background(), "harbor", []scene.Definition{{Ref: "ship", Name: "ship"}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := run(t, "-c", cfg, "snapshot", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "harbor")

	out, err = run(t, "-c", cfg, "snapshot", "delete", "harbor")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted harbor")

	_, err = run(t, "-c", cfg, "snapshot", "delete", "harbor")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestSnapshotRequiresPath(t *testing.T) {
	_, err := run(t, "snapshot", "list")
	assert.ErrorIs(t, err, ErrNoSnapshotPath)
}
