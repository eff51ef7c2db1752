package overlay_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/intermodal-go/ociimage/lib/overlay"
)

func buildLayer(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0o644,
			Linkname: e.linkname,
			Size:     int64(len(e.body)),
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if len(e.body) > 0 {
			_, err := tw.Write(e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

type tarEntry struct {
	name     string
	typeflag byte
	linkname string
	body     []byte
}

func TestApplyLayerRegularFilesAndDirs(t *testing.T) {
	dest := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/hostname", typeflag: tar.TypeReg, body: []byte("box\n")},
		{name: "bin/sh", typeflag: tar.TypeSymlink, linkname: "/bin/busybox"},
	})

	require.NoError(t, overlay.ApplyLayer(dest, layer, overlay.IDMap{}))

	body, err := os.ReadFile(filepath.Join(dest, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "box\n", string(body))

	link, err := os.Readlink(filepath.Join(dest, "bin/sh"))
	require.NoError(t, err)
	assert.Equal(t, "/bin/busybox", link)
}

func TestApplyLayerWhiteoutDevice(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("mknod of a char device requires CAP_MKNOD")
	}
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "var"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "var/log.txt"), []byte("x"), 0o644))

	layer := buildLayer(t, []tarEntry{
		{name: "var/.wh.log.txt", typeflag: tar.TypeReg},
	})
	require.NoError(t, overlay.ApplyLayer(dest, layer, overlay.IDMap{}))

	info, err := os.Lstat(filepath.Join(dest, "var/log.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeCharDevice|os.ModeDevice, info.Mode()&(os.ModeCharDevice|os.ModeDevice))
}

func TestApplyLayerOpaqueDirXattr(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("setting trusted.* xattrs requires CAP_SYS_ADMIN")
	}
	dest := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "data/.wh..wh..opq", typeflag: tar.TypeReg},
	})
	require.NoError(t, overlay.ApplyLayer(dest, layer, overlay.IDMap{}))

	buf := make([]byte, 8)
	n, err := unix.Lgetxattr(filepath.Join(dest, "data"), "trusted.overlay.opaque", buf)
	require.NoError(t, err)
	assert.Equal(t, "y", string(buf[:n]))
}

func TestUnpackWritesLowerAndWorkWhenLowerSpecGiven(t *testing.T) {
	base := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, body: []byte("box\n")},
	})

	require.NoError(t, overlay.Unpack(base, "/lower/one:/lower/two", layer, overlay.IDMap{}))

	body, err := os.ReadFile(filepath.Join(base, "diff", "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "box\n", string(body))

	lower, err := os.ReadFile(filepath.Join(base, "lower"))
	require.NoError(t, err)
	assert.Equal(t, "/lower/one:/lower/two", string(lower))

	info, err := os.Stat(filepath.Join(base, "work"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestUnpackOmitsLowerAndWorkForBottomLayer(t *testing.T) {
	base := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, body: []byte("box\n")},
	})

	require.NoError(t, overlay.Unpack(base, "", layer, overlay.IDMap{}))

	_, err := os.Stat(filepath.Join(base, "diff", "etc/hostname"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "lower"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "work"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyLayerRemapsOwnershipWhenIDMapGiven(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("chown requires CAP_CHOWN")
	}
	dest := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, body: []byte("box\n")},
	})

	idMap := overlay.IDMap{
		UIDMappings: []specs.LinuxIDMapping{{ContainerID: 0, HostID: 100000, Size: 65536}},
		GIDMappings: []specs.LinuxIDMapping{{ContainerID: 0, HostID: 100000, Size: 65536}},
	}
	require.NoError(t, overlay.ApplyLayer(dest, layer, idMap))

	info, err := os.Stat(filepath.Join(dest, "etc/hostname"))
	require.NoError(t, err)
	st := info.Sys().(*syscall.Stat_t)
	assert.Equal(t, uint32(100000), st.Uid)
	assert.Equal(t, uint32(100000), st.Gid)
}

func TestApplyLayerPathTraversalRejected(t *testing.T) {
	dest := t.TempDir()
	layer := buildLayer(t, []tarEntry{
		{name: "../../etc/passwd", typeflag: tar.TypeReg, body: []byte("evil")},
	})
	// securejoin resolves ".." components within dest rather than erroring,
	// so assert the escape never lands outside dest.
	require.NoError(t, overlay.ApplyLayer(dest, layer, overlay.IDMap{}))
	_, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dest)), "etc/passwd"))
	assert.Error(t, err)
}
