package importpipeline

import (
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"@alpha", "alpha"},
		{"alpha", "alpha"},
		{"t.me/alpha", "alpha"},
		{"https://t.me/alpha", "alpha"},
		{"http://telegram.me/alpha/42", "alpha"},
		{"https://t.me/alpha?start=ref", "alpha"},
		{"  @beta  ", "beta"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeIdentifier(tc.in), "input %q", tc.in)
	}
}

func TestReadIdentifiers_SkipsHeaderAndBlanks(t *testing.T) {
	input := "channel\n@alpha\n\nt.me/beta,extra column\n  \nhttps://t.me/gamma\n"

	got, err := readIdentifiers(csv.NewReader(strings.NewReader(input)))

	require.NoError(t, err)
	assert.Equal(t, []string{"@alpha", "t.me/beta", "https://t.me/gamma"}, got)
}

func TestNextFreeFolderID(t *testing.T) {
	id, err := nextFreeFolderID(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	id, err = nextFreeFolderID([]int{2, 3, 5})
	require.NoError(t, err)
	assert.Equal(t, 4, id)
}

func TestNextFreeFolderID_Exhausted(t *testing.T) {
	used := make([]int, 0, folderIDMax-folderIDMin+1)
	for id := folderIDMin; id <= folderIDMax; id++ {
		used = append(used, id)
	}

	_, err := nextFreeFolderID(used)

	assert.Error(t, err)
}

func TestFloodRetryDelay(t *testing.T) {
	assert.Equal(t, 60*time.Second, floodRetryDelay(40*time.Second))
	assert.Equal(t, 15*time.Second, floodRetryDelay(10*time.Second))
}
