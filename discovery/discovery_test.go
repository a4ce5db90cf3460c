package discovery_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/cardstats/discovery"
)

func TestStaticReturnsCopy(t *testing.T) {
	s := discovery.Static{"1", "2"}
	ids, err := s.Items(context.Background())
	require.NoError(t, err)
	ids[0] = "x"
	assert.Equal(t, "1", s[0])
}

func TestFileSkipsCommentsAndBlanks(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ids.txt", []byte("# watched cards\n101\n\n  202  \nmarket:5\n#303\n"), 0o644))

	ids, err := discovery.NewFile(fs, "/ids.txt").Items(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "202", "market:5"}, ids)
}

func TestFileReReadsOnEveryCall(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := discovery.NewFile(fs, "/ids.txt")
	require.NoError(t, afero.WriteFile(fs, "/ids.txt", []byte("1\n"), 0o644))
	ids, err := f.Items(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)

	require.NoError(t, afero.WriteFile(fs, "/ids.txt", []byte("1\n2\n"), 0o644))
	ids, err = f.Items(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestFileMissing(t *testing.T) {
	_, err := discovery.NewFile(afero.NewMemMapFs(), "/nope.txt").Items(context.Background())
	assert.Error(t, err)
}
