package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/qcow"
)

const diskSize = 8 << 20

// newImage creates a qcow image and writes sectors into it.
func newImage(t *testing.T, sectors map[uint64][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.qcow")
	var out bytes.Buffer
	require.NoError(t, run([]string{"create", "-size", "8388608", path}, &out))

	src, err := diskimage.OpenFile(path, true)
	require.NoError(t, err)
	defer src.Close()
	img, err := qcow.Open(src, nil)
	require.NoError(t, err)
	for addr, data := range sectors {
		require.NoError(t, img.WriteSector(addr, data))
	}
	require.NoError(t, img.Close())
	return path
}

func mbr(start, count uint32) []byte {
	s := make([]byte, 512)
	entry := s[0x1be:]
	entry[0] = 0x80
	entry[4] = 0x83
	binary.LittleEndian.PutUint32(entry[8:], start)
	binary.LittleEndian.PutUint32(entry[12:], count)
	s[510], s[511] = 0x55, 0xaa
	return s
}

func Test_Info(t *testing.T) {
	path := newImage(t, nil)
	missing := filepath.Join(t.TempDir(), "missing.qcow")

	var out bytes.Buffer
	err := run([]string{"info", path, missing}, &out)
	assert.ErrorIs(t, err, os.ErrNotExist)

	var results []infoResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Info)
	assert.Equal(t, "qcow", results[0].Info.Format)
	assert.Equal(t, uint64(diskSize/512), results[0].Info.Sectors)
	assert.Nil(t, results[1].Info)
	assert.NotEmpty(t, results[1].Error)
}

func Test_MapAndConvert(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 512)
	path := newImage(t, map[uint64][]byte{3: data})

	var out bytes.Buffer
	require.NoError(t, run([]string{"map", path}, &out))
	var regions []diskimage.Region
	require.NoError(t, json.Unmarshal(out.Bytes(), &regions))
	require.NotEmpty(t, regions)
	assert.True(t, regions[0].Data)
	assert.Equal(t, uint64(0), regions[0].Start)

	for _, sparse := range []bool{false, true} {
		raw := filepath.Join(t.TempDir(), "disk.raw")
		args := []string{"convert", path, raw}
		if sparse {
			args = []string{"convert", "-sparse", path, raw}
		}
		require.NoError(t, run(args, &out))

		got, err := os.ReadFile(raw)
		require.NoError(t, err)
		require.Len(t, got, diskSize)
		want := make([]byte, diskSize)
		copy(want[3*512:], data)
		assert.True(t, bytes.Equal(want, got), "sparse=%t", sparse)
	}
}

func Test_Partitions(t *testing.T) {
	path := newImage(t, map[uint64][]byte{0: mbr(2048, 8192)})

	var out bytes.Buffer
	require.NoError(t, run([]string{"partitions", path}, &out))
	var table partitionTable
	require.NoError(t, json.Unmarshal(out.Bytes(), &table))
	assert.Equal(t, "mbr", table.Type)
	require.Len(t, table.Partitions, 1)
	assert.Equal(t, partitionInfo{Index: 1, Start: 2048 * 512, Size: 8192 * 512}, table.Partitions[0])
}

func Test_Errors(t *testing.T) {
	path := newImage(t, nil)
	var out bytes.Buffer

	t.Run("Usage", func(t *testing.T) {
		assert.ErrorIs(t, run(nil, &out), errUsage)
		assert.ErrorIs(t, run([]string{"frobnicate"}, &out), errUsage)
		assert.ErrorIs(t, run([]string{"map"}, &out), errUsage)
		assert.ErrorIs(t, run([]string{"create", "-size", "100", "x.qcow"}, &out), errUsage)
	})

	t.Run("Check needs qcow2", func(t *testing.T) {
		err := run([]string{"check", path}, &out)
		assert.ErrorIs(t, err, diskimage.ErrUnsupportedFeature)
	})

	t.Run("Create refuses to overwrite", func(t *testing.T) {
		err := run([]string{"create", "-size", "1048576", path}, &out)
		assert.ErrorIs(t, err, os.ErrExist)
	})

	t.Run("Create unknown format", func(t *testing.T) {
		err := run([]string{"create", "-format", "vhdx", "-size", "1048576", filepath.Join(t.TempDir(), "x")}, &out)
		assert.ErrorContains(t, err, "cannot be created")
	})

	t.Run("Config", func(t *testing.T) {
		cfg := filepath.Join(t.TempDir(), "diskimg.yaml")
		require.NoError(t, os.WriteFile(cfg, []byte("log_level: loud\n"), 0o644))
		assert.ErrorContains(t, run([]string{"-config", cfg, "info", path}, &out), "log_level")
	})
}
