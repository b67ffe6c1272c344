package crates

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	return store
}

func publishFrame(t *testing.T, meta PublishMetadata, tarball []byte) []byte {
	t.Helper()
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(metaJSON))))
	buf.Write(metaJSON)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(tarball))))
	buf.Write(tarball)
	return buf.Bytes()
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"serde", "serde_json", "tokio-util", "a", "Crate1"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "has space", "dotted.name", "päck", strings.Repeat("a", 65), "../escape"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestValidateVersion(t *testing.T) {
	for _, version := range []string{"1.0.0", "0.1.0-alpha.1", "2.3.4+build.5"} {
		assert.NoError(t, ValidateVersion(version), version)
	}
	for _, version := range []string{"", "1", "1.0", "not-a-version", "1.0.0 ", "../1.0.0"} {
		assert.ErrorIs(t, ValidateVersion(version), ErrInvalidVersion, version)
	}
}

func TestIndexPrefix(t *testing.T) {
	cases := map[string]string{
		"a":     "1",
		"ab":    "2",
		"abc":   "3/a",
		"serde": "se/rd",
		"Tokio": "to/ki",
	}
	for name, want := range cases {
		assert.Equal(t, want, IndexPrefix(name), name)
	}
}

func TestParsePublish(t *testing.T) {
	meta := PublishMetadata{Name: "demo", Vers: "1.0.0", Features: map[string][]string{}}
	tarball := []byte("tarball bytes")
	frame := publishFrame(t, meta, tarball)

	parsed, gotTarball, err := ParsePublish(frame)
	require.NoError(t, err)
	assert.Equal(t, "demo", parsed.Name)
	assert.Equal(t, "1.0.0", parsed.Vers)
	assert.Equal(t, tarball, gotTarball)
}

func TestParsePublish_Malformed(t *testing.T) {
	meta := PublishMetadata{Name: "demo", Vers: "1.0.0"}
	frame := publishFrame(t, meta, []byte("tarball"))

	cases := [][]byte{
		nil,
		{0x01},
		frame[:10],           // truncated metadata
		frame[:len(frame)-3], // truncated tarball
		append([]byte{0xff, 0xff, 0xff, 0x7f}, frame[4:]...), // absurd metadata length
	}
	for i, body := range cases {
		_, _, err := ParsePublish(body)
		assert.ErrorIs(t, err, ErrMalformedBody, i)
	}
}

func TestStore_PublishAndRead(t *testing.T) {
	store := newTestStore(t)

	tarball := []byte("crate tarball")
	target := "cfg(unix)"
	meta := &PublishMetadata{
		Name: "demo",
		Vers: "1.0.0",
		Deps: []PublishDep{{
			Name:            "serde",
			VersionReq:      "^1.0",
			Features:        []string{"derive"},
			DefaultFeatures: true,
			Target:          &target,
			Kind:            "normal",
		}},
		Features: map[string][]string{"default": {"std"}},
	}

	record, err := store.Publish(meta, tarball)
	require.NoError(t, err)
	assert.Equal(t, "demo", record.Name)
	assert.Equal(t, digest.FromBytes(tarball).Encoded(), record.Cksum)
	assert.False(t, record.Yanked)
	assert.Equal(t, 1, record.V)
	require.Len(t, record.Deps, 1)
	assert.Equal(t, "^1.0", record.Deps[0].Req)

	got, err := store.Read("demo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, tarball, got)
	assert.True(t, store.Exists("demo", "1.0.0"))

	index, err := store.Index("demo")
	require.NoError(t, err)
	var line IndexRecord
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(index), &line))
	assert.Equal(t, record.Cksum, line.Cksum)
}

func TestStore_PublishConflict(t *testing.T) {
	store := newTestStore(t)

	meta := &PublishMetadata{Name: "demo", Vers: "1.0.0"}
	_, err := store.Publish(meta, []byte("first"))
	require.NoError(t, err)

	_, err = store.Publish(meta, []byte("second"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_PublishAppendsVersions(t *testing.T) {
	store := newTestStore(t)

	for _, version := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: version}, []byte(version))
		require.NoError(t, err)
	}

	index, err := store.Index("demo")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(index)), "\n")
	require.Len(t, lines, 3)

	var last IndexRecord
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	assert.Equal(t, "2.0.0", last.Vers)
}

func TestStore_SetYanked(t *testing.T) {
	store := newTestStore(t)

	for _, version := range []string{"1.0.0", "1.1.0"} {
		_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: version}, []byte(version))
		require.NoError(t, err)
	}

	found, err := store.SetYanked("demo", "1.0.0", true)
	require.NoError(t, err)
	assert.True(t, found)

	index, err := store.Index("demo")
	require.NoError(t, err)
	yankedByVersion := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(string(index)), "\n") {
		var record struct {
			Vers   string `json:"vers"`
			Yanked bool   `json:"yanked"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		yankedByVersion[record.Vers] = record.Yanked
	}
	assert.True(t, yankedByVersion["1.0.0"])
	assert.False(t, yankedByVersion["1.1.0"])

	// unyank flips it back
	found, err = store.SetYanked("demo", "1.0.0", false)
	require.NoError(t, err)
	assert.True(t, found)

	// unknown version is reported, not an error
	found, err = store.SetYanked("demo", "9.9.9", true)
	require.NoError(t, err)
	assert.False(t, found)

	// unknown crate has no index file
	found, err = store.SetYanked("ghost", "1.0.0", true)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)

	for _, pub := range []struct{ name, vers string }{
		{"serde", "1.0.0"},
		{"serde", "1.2.0"},
		{"serde_json", "1.0.1"},
		{"tokio", "1.9.0"},
		{"tokio", "1.10.0"},
	} {
		_, err := store.Publish(&PublishMetadata{Name: pub.name, Vers: pub.vers}, []byte("x"))
		require.NoError(t, err)
	}

	results, err := store.Search("serde")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "serde", results[0].Name)
	assert.Equal(t, "1.2.0", results[0].MaxVersion)
	assert.Equal(t, "serde_json", results[1].Name)
	assert.Equal(t, "1.0.1", results[1].MaxVersion)

	// semver order, not lexicographic: 1.10.0 beats 1.9.0
	results, err = store.Search("tokio")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1.10.0", results[0].MaxVersion)

	// matching ignores case
	results, err = store.Search("SERDE")
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.Search("nothing")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_Owners(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: "1.0.0"}, []byte("x"))
	require.NoError(t, err)

	assert.Empty(t, store.Owners("demo"))
	assert.True(t, store.CrateExists("demo"))
	assert.False(t, store.CrateExists("ghost"))

	require.NoError(t, store.AddOwners("demo", []string{"alice", "bob", "  ", "alice"}))
	owners := store.Owners("demo")
	require.Len(t, owners, 2)
	assert.Equal(t, Owner{ID: 1, Login: "alice"}, owners[0])
	assert.Equal(t, Owner{ID: 2, Login: "bob"}, owners[1])

	// IDs keep growing after a removal, they are never reused
	require.NoError(t, store.RemoveOwners("demo", []string{"ALICE"}))
	require.NoError(t, store.AddOwners("demo", []string{"carol"}))
	owners = store.Owners("demo")
	require.Len(t, owners, 2)
	assert.Equal(t, Owner{ID: 2, Login: "bob"}, owners[0])
	assert.Equal(t, Owner{ID: 3, Login: "carol"}, owners[1])
}

func TestStore_ReadUnknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read("ghost", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, store.Exists("ghost", "1.0.0"))

	_, err = store.Index("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
