package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"
)

const catalogManifest = "testdata/catalog/blueprints.yaml"

func TestNewRegistryLoadsCatalog(t *testing.T) {
	r, err := NewRegistry(Config{ManifestPath: catalogManifest})
	require.NoError(t, err)

	bps := r.Blueprints()
	require.Len(t, bps, 3, "skip-marked blueprints stay out")
	assert.Equal(t, "s3-basic", bps[0].ID)
	assert.Equal(t, "ddb-ttl", bps[1].ID)
	assert.Equal(t, "no-tests", bps[2].ID)
	assert.Equal(t, 5*time.Minute, r.DefaultTimeout())
}

func TestNewRegistryValidation(t *testing.T) {
	writeManifest := func(t *testing.T, content string) string {
		t.Helper()
		dir := t.TempDir()
		path := filepath.Join(dir, "blueprints.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "present"), 0o755))
		return path
	}

	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name: "duplicate id",
			manifest: `
blueprints:
  - id: dup
    dir: present
  - id: dup
    dir: present
`,
			wantErr: "duplicate blueprint id",
		},
		{
			name: "empty id",
			manifest: `
blueprints:
  - dir: present
`,
			wantErr: "empty id",
		},
		{
			name: "missing dir field",
			manifest: `
blueprints:
  - id: lonely
`,
			wantErr: "has no dir",
		},
		{
			name: "dir does not exist",
			manifest: `
blueprints:
  - id: ghost
    dir: not-there
`,
			wantErr: "ghost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(Config{ManifestPath: writeManifest(t, tt.manifest)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("missing manifest path", func(t *testing.T) {
		_, err := NewRegistry(Config{})
		assert.ErrorContains(t, err, "manifest path")
	})

	t.Run("nonexistent manifest", func(t *testing.T) {
		_, err := NewRegistry(Config{ManifestPath: "testdata/nope.yaml"})
		assert.Error(t, err)
	})

	t.Run("bad filter pattern", func(t *testing.T) {
		_, err := NewRegistry(Config{ManifestPath: catalogManifest, Include: []string{"["}})
		assert.ErrorContains(t, err, "bad filter pattern")
	})
}

func TestRegistryFilters(t *testing.T) {
	r, err := NewRegistry(Config{ManifestPath: catalogManifest, Include: []string{"s3-*"}})
	require.NoError(t, err)
	bps := r.Blueprints()
	require.Len(t, bps, 1)
	assert.Equal(t, "s3-basic", bps[0].ID)

	r, err = NewRegistry(Config{ManifestPath: catalogManifest, Exclude: []string{"ddb-*", "no-tests"}})
	require.NoError(t, err)
	bps = r.Blueprints()
	require.Len(t, bps, 1)
	assert.Equal(t, "s3-basic", bps[0].ID)

	// Exclude wins over include.
	r, err = NewRegistry(Config{
		ManifestPath: catalogManifest,
		Include:      []string{"*"},
		Exclude:      []string{"s3-basic"},
	})
	require.NoError(t, err)
	for _, bp := range r.Blueprints() {
		assert.NotEqual(t, "s3-basic", bp.ID)
	}
}

func TestJobsMaterialization(t *testing.T) {
	r, err := NewRegistry(Config{ManifestPath: catalogManifest})
	require.NoError(t, err)

	jobs, err := r.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	s3 := jobs[0]
	assert.Equal(t, "s3-basic", s3.Family)
	assert.NotEmpty(t, s3.ID)
	assert.Equal(t, []string{"s3"}, s3.Blueprint.Services)
	assert.Equal(t, 5*time.Minute, s3.Timeout)
	require.Contains(t, s3.Blueprint.Files, "main.tf")
	require.Contains(t, s3.Blueprint.Files, "outputs.tf")
	assert.Contains(t, s3.Blueprint.Files["main.tf"], "aws_s3_bucket")
	assert.NotContains(t, s3.Blueprint.Files, "tests/test_bucket.py",
		"suite files are not provisioning files")
	require.Contains(t, s3.Suite.Files, "test_bucket.py")
	assert.Equal(t, []string{"boto3", "pytest", "pytest-json-report"}, s3.Suite.Requirements)

	ddb := jobs[1]
	assert.Equal(t, "ddb-ttl", ddb.Family)
	assert.Equal(t, 2*time.Minute, ddb.Timeout, "per-blueprint timeout wins")
	assert.Contains(t, ddb.Suite.Files, "helpers/util.py")

	empty := jobs[2]
	assert.Equal(t, "no-tests", empty.Family)
	assert.True(t, empty.Suite.Empty())
}

func TestJobsMintFreshIDs(t *testing.T) {
	r, err := NewRegistry(Config{ManifestPath: catalogManifest})
	require.NoError(t, err)

	first, err := r.Jobs()
	require.NoError(t, err)
	second, err := r.Jobs()
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].Family, second[i].Family)
		assert.NotEqual(t, first[i].ID, second[i].ID,
			"every materialization is a distinct job")
	}
}

func TestJobsRejectEmptyBlueprint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "hollow"), 0o755))
	manifest := `
blueprints:
  - id: hollow
    dir: hollow
`
	path := filepath.Join(dir, "blueprints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	r, err := NewRegistry(Config{ManifestPath: path})
	require.NoError(t, err)

	_, err = r.Jobs()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provisioning files")
}

func TestManifestDurations(t *testing.T) {
	var m Manifest
	require.NoError(t, yaml.Unmarshal([]byte("default_timeout: 90s"), &m))
	assert.Equal(t, 90*time.Second, m.DefaultTimeout)

	err := yaml.Unmarshal([]byte("default_timeout: soonish"), &m)
	assert.Error(t, err)
}

func TestParseRequirements(t *testing.T) {
	reqs := parseRequirements("# comment\nboto3\n\n  pytest  \n")
	assert.Equal(t, []string{"boto3", "pytest"}, reqs)
}
