package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tsi.properties")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, "listen_port = 4433\nbatch_variant = slurm\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4433, cfg.ListenPort)
	assert.Equal(t, "slurm", cfg.BatchVariant)
	assert.True(t, cfg.SwitchUID, "SwitchUID default must be true")
}

func TestLoadListAndDottedKeys(t *testing.T) {
	path := writeTemp(t, strings.Join([]string{
		"allowed_orchestrator_hosts = ux1.example.org,ux2.example.org",
		"keyfiles = id_rsa,known_hosts",
		"acl./data = POSIX",
		"acl./data/nfs = NFS",
		"allowed_dn.ux1 = CN=UX1,O=Example",
		"local_portrange = 31000:31999",
	}, "\n"))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ux1.example.org", "ux2.example.org"}, cfg.AllowedOrchestratorHosts)
	assert.Equal(t, []string{"id_rsa", "known_hosts"}, cfg.KeyFiles)
	assert.Equal(t, "POSIX", cfg.ACLMap["/data"])
	assert.Equal(t, "NFS", cfg.ACLMap["/data/nfs"])
	assert.Equal(t, []string{"CN=UX1", "O=Example"}, cfg.AllowedDNs["ux1"])
	assert.Equal(t, 31000, cfg.LocalPortLo)
	assert.Equal(t, 31999, cfg.LocalPortHi)
}

func TestLoadIgnoresCommentsAndBlankLines(t *testing.T) {
	path := writeTemp(t, "# comment\n\n; also comment\nlisten_port = 9999\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.ListenPort)
}

func TestValidateRejectsBadBatchVariant(t *testing.T) {
	cfg := Defaults()
	cfg.BatchVariant = "unknown"
	err := Validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_variant")
}

func TestValidateRequiresCertificateWithKeystore(t *testing.T) {
	cfg := Defaults()
	cfg.Keystore = "/etc/tsi/keystore.p12"
	err := Validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/tsi.properties")
	require.Error(t, err)
}
