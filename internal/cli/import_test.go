package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const treeYAML = `
id: canarie
name: CANARIE
owner: inst-canarie
institutions:
  - id: inst-canarie
    name: CANARIE Inc.
nodes:
  - id: ott-1
    name: Ottawa 1
    owners: [inst-canarie]
  - id: mtl-1
    name: Montreal 1
    owners: [inst-canarie]
links:
  - id: ott-mtl
    endpoints: [ott-1, mtl-1]
`

func TestImportCommand_Text(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "grenmap.db")
	tree := writeFile(t, dir, "tree.yaml", treeYAML)

	out, err := execute(t, "--db", db, "import", tree)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "Node:")
	assert.Contains(t, out, "created 2")
	assert.Contains(t, out, "Borrowed elements: 0 replaced")
	assert.Contains(t, out, "3 run (completed 3)")
}

func TestImportCommand_JSON(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "grenmap.db")
	tree := writeFile(t, dir, "tree.yaml", treeYAML)

	out, err := execute(t, "--db", db, "--format", "json", "import", tree)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
		Data   struct {
			Import struct {
				Status string `json:"status"`
				Counts map[string]struct {
					Created int `json:"created"`
				} `json:"counts"`
			} `json:"import"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "COMPLETED", resp.Data.Import.Status)
	assert.Equal(t, 2, resp.Data.Import.Counts["node"].Created)
	assert.Equal(t, 1, resp.Data.Import.Counts["link"].Created)

	out, err = execute(t, "--db", db, "--format", "json", "imports")
	require.NoError(t, err)
	assert.Contains(t, out, resp.RunID)
}

func TestImportCommand_UnknownParentAborts(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "grenmap.db")
	tree := writeFile(t, dir, "tree.yaml", treeYAML)

	out, err := execute(t, "--db", db, "import", "--parent", "nowhere", tree)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "ABORTED")
}

func TestImportCommand_BadTree(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "grenmap.db")

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.yaml")},
		{"unknown field", writeFile(t, dir, "bad.yaml", "id: x\nname: X\ncolour: red\n")},
		{"no id or name", writeFile(t, dir, "empty.yaml", "version: \"1\"\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "--db", db, "import", tt.path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error ["+ErrCodeBadTree+"]")
		})
	}
}

func TestImportsCommand_Empty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "grenmap.db")

	out, err := execute(t, "--db", db, "imports")
	require.NoError(t, err)
	assert.Contains(t, out, "No imports yet.")

	_, err = execute(t, "--db", db, "imports", "--limit", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
