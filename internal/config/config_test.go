package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200, cfg.Retention())
	assert.Equal(t, 3, cfg.MaxLevels())
	assert.Len(t, cfg.Workflows.Definitions, 6)
	assert.Equal(t, "admin@bank.com", cfg.Users[0].Email)
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"empty level": `
workflows:
  definitions:
    - request_type: Card Request
      levels: [role_a, ""]
`,
		"no levels": `
workflows:
  definitions:
    - request_type: Card Request
      levels: []
`,
		"too many levels": `
workflows:
  max_levels: 2
  definitions:
    - request_type: Card Request
      levels: [a, b, c]
`,
		"unknown role": `
roles:
  - id: role_a
    name: A
workflows:
  definitions:
    - request_type: Card Request
      levels: [role_b]
`,
		"duplicate type": `
workflows:
  definitions:
    - request_type: Card Request
      levels: [a]
    - request_type: Card Request
      levels: [b]
`,
		"negative retention": `
activity:
  retention: -1
`,
		"webhook without url": `
webhooks:
  - events: [LOGIN]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	doc := "activity:\n  retention: 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "approvalq.yml"), []byte(doc), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 5, cfg.Retention())
	assert.Equal(t, DefaultTokenTTL, cfg.TokenTTL())
}
