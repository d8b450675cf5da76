package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
	"github.com/OffBroadway/sdshim/pkg/shim"
	"github.com/OffBroadway/sdshim/pkg/wchar"
)

func main() {
	// 1 MiB card held in memory, sys at 64 KiB, dat from 512 KiB to the end.
	img, err := blkdev.CreateImageFile(afero.NewMemMapFs(), "/card.img", 512, 2048)
	if err != nil {
		panic(err)
	}
	defer img.Close()

	s, err := shim.New(img, []shim.Partition{
		{Name: "sys", Path: shim.SysPath, Offset: 128 * 512, Size: 896 * 512},
		{Name: "dat", Path: shim.DataPath, Offset: 1024 * 512},
	})
	if err != nil {
		panic(err)
	}

	fd, err := s.Open("/sys", os.O_RDWR)
	if err != nil {
		panic(err)
	}

	// straddles a sector boundary on both ends
	data := []byte("Hello.... World?\n")
	if _, err := s.Pwrite(fd, data, 500); err != nil {
		panic(err)
	}
	if err := s.Fsync(fd); err != nil {
		panic(err)
	}

	end, err := s.Lseek(fd, 0, io.SeekEnd)
	if err != nil {
		panic(err)
	}
	fmt.Println("sys size:", end)

	buf := make([]byte, len(data))
	if _, err := s.Pread(fd, buf, 500); err != nil {
		panic(err)
	}
	fmt.Print("read back: ", string(buf))

	if err := s.Close(fd); err != nil {
		panic(err)
	}

	// exFAT volume labels are UTF-16LE
	n, err := wchar.MbsToWcs(nil, []byte("DATA"))
	if err != nil {
		panic(err)
	}
	raw, err := wchar.EncodeUTF16LE("DATA")
	if err != nil {
		panic(err)
	}

	fsys := shim.NewFs(s)
	file, err := fsys.OpenFile("/dat", os.O_RDWR, 0)
	if err != nil {
		panic(err)
	}
	if _, err := file.WriteAt(raw, 0x100); err != nil {
		panic(err)
	}
	label16 := make([]byte, len(raw))
	if _, err := file.ReadAt(label16, 0x100); err != nil {
		panic(err)
	}
	if err := file.Close(); err != nil {
		panic(err)
	}

	fmt.Print("dat label: ")
	if err := wchar.PrintUTF16LE(os.Stdout, label16, n); err != nil {
		panic(err)
	}
	fmt.Println()

	infos, err := afero.ReadDir(fsys, "/")
	if err != nil {
		panic(err)
	}
	for _, fi := range infos {
		fmt.Println("PARTITION:", fi.Name(), fi.Size())
	}

	fmt.Println("Done!")
}
