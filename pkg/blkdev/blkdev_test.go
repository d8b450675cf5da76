package blkdev

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrnoIs(t *testing.T) {
	assert.True(t, errors.Is(ErrnoBusy, fs.ErrExist))
	assert.True(t, errors.Is(ErrnoNoEnt, fs.ErrNotExist))
	assert.True(t, errors.Is(ErrnoBadFD, fs.ErrClosed))
	assert.True(t, errors.Is(ErrnoInvalid, fs.ErrInvalid))
	assert.True(t, errors.Is(ErrnoWriteProtected, fs.ErrPermission))
	assert.False(t, errors.Is(ErrnoIO, fs.ErrInvalid))
	assert.Equal(t, "blkdev: (16) File already open", ErrnoBusy.Error())
}

func TestImageFileRoundTrip(t *testing.T) {
	mfs := afero.NewMemMapFs()
	img, err := CreateImageFile(mfs, "/card.img", 512, 8)
	require.NoError(t, err)
	defer img.Close()

	require.NoError(t, img.Initialize())
	assert.Equal(t, uint64(8), img.GetSectorCount())
	assert.Equal(t, uint64(512), img.GetSectorSize())

	data := make([]byte, 2*512)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, img.WriteSectors(3, 2, data))
	require.NoError(t, img.Sync())

	got := make([]byte, 2*512)
	require.NoError(t, img.ReadSectors(3, 2, got))
	assert.Equal(t, data, got)

	// last sector reads back fully even though it ends at EOF
	require.NoError(t, img.ReadSectors(7, 1, got))

	assert.Error(t, img.WriteSectors(7, 2, data))
	assert.Error(t, img.ReadSectors(0, 4, got))
}

func TestImageFileReopen(t *testing.T) {
	mfs := afero.NewMemMapFs()
	img, err := CreateImageFile(mfs, "/card.img", 512, 4)
	require.NoError(t, err)
	require.NoError(t, img.WriteSectors(1, 1, make([]byte, 512)))
	require.NoError(t, img.Close())

	assert.ErrorIs(t, img.Status(), ErrnoNotReady)
	assert.Zero(t, img.GetSectorCount())

	img, err = NewImageFileFs(mfs, "/card.img", 0)
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, uint64(4), img.GetSectorCount())

	_, err = NewImageFileFs(mfs, "/missing.img", 512)
	assert.Error(t, err)
}

func TestMBRGuard(t *testing.T) {
	dev := NewMemDevice(512, 4)
	g := NewMBRGuard(dev)
	sector := make([]byte, 512)

	assert.ErrorIs(t, g.WriteSectors(0, 1, sector), ErrnoWriteProtected)
	assert.ErrorIs(t, g.WriteSectors(0, 2, make([]byte, 1024)), ErrnoWriteProtected)
	require.NoError(t, g.WriteSectors(1, 1, sector))

	g.EnableMBRWrite()
	assert.True(t, g.MBRWritable())
	require.NoError(t, g.WriteSectors(0, 1, sector))

	g.DisableMBRWrite()
	assert.ErrorIs(t, g.WriteSectors(0, 1, sector), ErrnoWriteProtected)
	assert.NoError(t, g.Sync())
}

func TestParseMBR(t *testing.T) {
	want := &MBR{Signature: mbrSignature}
	want.Partitions[0] = PartitionEntry{Type: 0x07, LBAFirst: 65536, Sectors: 524288}
	want.Partitions[1] = PartitionEntry{Type: 0x07, LBAFirst: 589824, Sectors: 1000}

	raw, err := want.Bytes()
	require.NoError(t, err)
	require.Len(t, raw, 512)
	assert.Equal(t, byte(0x55), raw[510])
	assert.Equal(t, byte(0xAA), raw[511])

	dev := NewMemDevice(512, 4)
	copy(dev.Bytes(), raw)

	got, err := ReadMBR(dev)
	require.NoError(t, err)
	used := got.Used()
	require.Len(t, used, 2)
	assert.Equal(t, uint64(65536*512), used[0].Offset(512))
	assert.Equal(t, uint64(524288*512), used[0].Size(512))
	assert.Equal(t, uint64(589824*512), used[1].Offset(512))
}

func TestParseMBRWithoutSignature(t *testing.T) {
	_, err := ReadMBR(NewMemDevice(512, 1))
	assert.ErrorIs(t, err, ErrNoMBR)

	_, err = ParseMBR(make([]byte, 100))
	assert.ErrorIs(t, err, ErrnoInvalid)
}
