package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflow(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const validWorkflow = `
steps:
  - name: upload_case_files
    type: upload
    progress: 50
  - name: run_sim
    type: execute
    progress: 100
    command_template_key: run_sim_tmpl
command_templates:
  run_sim_tmpl: "run --case {case_id} --gpu {gpu_id}"
`

func TestLoadValidWorkflow(t *testing.T) {
	path := writeWorkflow(t, validWorkflow)

	def, err := Load(path)
	require.NoError(t, err)
	require.False(t, def.Empty())

	first, ok := def.FirstStep()
	require.True(t, ok)
	assert.Equal(t, "upload_case_files", first.Name)
	assert.Equal(t, model.StepUpload, first.Type)
	assert.False(t, first.RequiresGPU())

	next, ok := def.NextStep(first.Name)
	require.True(t, ok)
	assert.Equal(t, "run_sim", next.Name)
	assert.True(t, next.RequiresGPU())

	_, ok = def.NextStep(next.Name)
	assert.False(t, ok, "run_sim is the last step")

	cmd, err := def.RenderCommand(next, "case-42", 3)
	require.NoError(t, err)
	assert.Equal(t, "run --case case-42 --gpu 3", cmd)
}

func TestLoadRejectsDuplicateStepNames(t *testing.T) {
	path := writeWorkflow(t, `
steps:
  - name: step_a
    type: upload
    progress: 50
  - name: step_a
    type: download
    progress: 100
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, conductorerr.ConfigurationError, conductorerr.KindOf(err))
}

func TestLoadRejectsExecuteStepWithoutTemplate(t *testing.T) {
	path := writeWorkflow(t, `
steps:
  - name: run_sim
    type: execute
    progress: 100
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, conductorerr.ConfigurationError, conductorerr.KindOf(err))
}

func TestLoadRejectsUnknownStepType(t *testing.T) {
	path := writeWorkflow(t, `
steps:
  - name: mystery
    type: teleport
    progress: 50
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestRenderCommandRejectsNonExecuteStep(t *testing.T) {
	path := writeWorkflow(t, validWorkflow)
	def, err := Load(path)
	require.NoError(t, err)

	upload, ok := def.StepByName("upload_case_files")
	require.True(t, ok)

	_, err = def.RenderCommand(upload, "case-1", 0)
	require.Error(t, err)
	assert.Equal(t, conductorerr.ConfigurationError, conductorerr.KindOf(err))
}

func TestEmptyWorkflow(t *testing.T) {
	path := writeWorkflow(t, "steps: []\n")
	def, err := Load(path)
	require.NoError(t, err)
	assert.True(t, def.Empty())

	_, ok := def.FirstStep()
	assert.False(t, ok)
}
