package certstore

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesIdentity(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, id.CommonName())

	_, err = os.Stat(dir + "/" + certFileName)
	require.NoError(t, err)
	_, err = os.Stat(dir + "/" + keyFileName)
	require.NoError(t, err)
}

func TestLoadOrCreateIsStableAcrossReload(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.Equal(t, first.CommonName(), second.CommonName())
	require.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestFingerprintFormat(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	fp := id.Fingerprint()
	require.Len(t, fp, 95)
	require.Equal(t, 31, strings.Count(fp, ":"))
	for _, part := range strings.Split(fp, ":") {
		require.Len(t, part, 2)
	}
}

func TestSubjectUsesValentDistinguishedName(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	leaf := id.Leaf()
	require.Equal(t, []string{"Valent"}, leaf.Subject.Organization)
	require.Equal(t, []string{"Valent"}, leaf.Subject.OrganizationalUnit)
	require.NotEmpty(t, leaf.Subject.CommonName)
}
