package fatfs

import (
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestFs_MountBasics(t *testing.T) {
	for _, fsType := range []uint8{FAT12, FAT16, FAT32} {
		t.Run(fsTypeName(fsType), func(t *testing.T) {
			fs, _ := testVolume(t, fsType)

			assert.Equal(t, "fatfs", fs.Name())
			assert.Equal(t, "TESTVOL", fs.Label())
			assert.Equal(t, fsType, fs.FSType())

			stats, err := fs.Stats()
			require.NoError(t, err)
			assert.Equal(t, fsType, stats.Type)
			assert.Equal(t, uint16(512), stats.SectorSize)

			// On FAT32 the root directory occupies one data cluster.
			wantFree := stats.TotalClusters
			if fsType == FAT32 {
				wantFree--
			}
			assert.Equal(t, wantFree, stats.FreeClusters)
		})
	}
}

func TestFs_MountRejectsGarbage(t *testing.T) {
	device := NewMemDevice(512, 128)
	_, err := New(device)
	assert.ErrorIs(t, err, ErrFormat)

	small := NewMemDevice(256, 128)
	_, err = New(small)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestFs_CreateRemoveLifecycle(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	cluster := int(fs.info.clusterBytes())

	stats, err := fs.Stats()
	require.NoError(t, err)
	initialFree := stats.FreeClusters

	writeTestFile(t, fs, "a.txt", testPattern(2*cluster))

	stats, err = fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, initialFree-2, stats.FreeClusters)

	require.NoError(t, fs.Remove("a.txt"))
	_, err = fs.Stat("a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err = fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, initialFree, stats.FreeClusters)
}

func TestFs_MkdirCreatesDotEntries(t *testing.T) {
	for _, fsType := range []uint8{FAT16, FAT32} {
		t.Run(fsTypeName(fsType), func(t *testing.T) {
			fs, _ := testVolume(t, fsType)
			require.NoError(t, fs.Mkdir("docs", 0o755))

			info, err := fs.Stat("docs")
			require.NoError(t, err)
			assert.True(t, info.IsDir())
			assert.Equal(t, "docs", info.Name())

			entry, _, err := fs.findInDir(fs.rootDirStart(), "docs")
			require.NoError(t, err)
			dirStart := fs.dirLocationOf(&entry.EntryHeader)

			dot, _, err := fs.findInDir(dirStart, ".")
			require.NoError(t, err)
			assert.Equal(t, dirStart, dot.FirstCluster().Value())

			// ".." of a first-level directory stores 0 for the root,
			// also on FAT32.
			dotdot, _, err := fs.findInDir(dirStart, "..")
			require.NoError(t, err)
			assert.Zero(t, dotdot.FirstCluster().Value())

			// Directory entries carry no archive attribute and no size.
			assert.Zero(t, entry.Attribute&AttrArchive)
			assert.Zero(t, entry.FileSize)
		})
	}
}

func TestFs_MkdirExisting(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	require.NoError(t, fs.Mkdir("docs", 0o755))
	assert.ErrorIs(t, fs.Mkdir("docs", 0o755), ErrAlreadyExists)
	assert.ErrorIs(t, fs.Mkdir("/", 0o755), ErrAlreadyExists)
}

func TestFs_MkdirAll(t *testing.T) {
	fs, _ := testVolume(t, FAT16)

	require.NoError(t, fs.MkdirAll("a/b/c", 0o755))
	info, err := fs.Stat("a/b/c")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Existing directories on the way are fine.
	require.NoError(t, fs.MkdirAll("a/b/c/d", 0o755))
	require.NoError(t, fs.MkdirAll("a/b", 0o755))

	// A file in the middle of the path is not.
	writeTestFile(t, fs, "a/file.txt", []byte("x"))
	err = fs.MkdirAll("a/file.txt/sub", 0o755)
	assert.ErrorIs(t, err, syscall.ENOTDIR)
}

func TestFs_NestedPathResolution(t *testing.T) {
	fs, _ := testVolume(t, FAT32)
	require.NoError(t, fs.MkdirAll("one/two/three", 0o755))
	writeTestFile(t, fs, "one/two/three/deep.txt", []byte("deep"))

	file, err := fs.Open("/one/two/three/deep.txt")
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "deep", string(got))

	// Path separators and redundant elements normalize away.
	_, err = fs.Stat("one//two/./three")
	require.NoError(t, err)
	_, err = fs.Stat(`one\two\three\deep.txt`)
	require.NoError(t, err)

	_, err = fs.Open("one/two/missing/deep.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	// A file used as a directory fails the descent.
	_, err = fs.Open("one/two/three/deep.txt/below")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFs_RemoveRejectsNonEmptyDirectory(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	require.NoError(t, fs.Mkdir("docs", 0o755))
	writeTestFile(t, fs, "docs/keep.txt", []byte("x"))

	assert.ErrorIs(t, fs.Remove("docs"), ErrDirectoryNotEmpty)

	require.NoError(t, fs.Remove("docs/keep.txt"))
	require.NoError(t, fs.Remove("docs"))
	_, err := fs.Stat("docs")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFs_RemoveRoot(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	assert.Error(t, fs.Remove("/"))
}

func TestFs_RemoveAll(t *testing.T) {
	fs, _ := testVolume(t, FAT16)

	stats, err := fs.Stats()
	require.NoError(t, err)
	initialFree := stats.FreeClusters

	require.NoError(t, fs.MkdirAll("tree/sub/subsub", 0o755))
	writeTestFile(t, fs, "tree/a.txt", testPattern(100))
	writeTestFile(t, fs, "tree/sub/b.txt", testPattern(2000))
	writeTestFile(t, fs, "tree/sub/subsub/c.txt", testPattern(10))

	require.NoError(t, fs.RemoveAll("tree"))
	_, err = fs.Stat("tree")
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err = fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, initialFree, stats.FreeClusters)

	// Removing something that does not exist is not an error.
	require.NoError(t, fs.RemoveAll("tree"))

	// RemoveAll on a plain file just removes it.
	writeTestFile(t, fs, "single.txt", []byte("x"))
	require.NoError(t, fs.RemoveAll("single.txt"))
	_, err = fs.Stat("single.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFs_Rename(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "old.txt", []byte("content"))

	require.NoError(t, fs.Rename("old.txt", "new.txt"))
	_, err := fs.Stat("old.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	file, err := fs.Open("new.txt")
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestFs_RenameOntoExisting(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "a.txt", []byte("a"))
	writeTestFile(t, fs, "b.txt", []byte("b"))

	assert.ErrorIs(t, fs.Rename("a.txt", "b.txt"), ErrAlreadyExists)
}

func TestFs_RenameToSelf(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "same.txt", []byte("content"))

	require.NoError(t, fs.Rename("same.txt", "same.txt"))

	file, err := fs.Open("same.txt")
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestFs_RenameCaseOnly(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "file.txt", []byte("content"))

	require.NoError(t, fs.Rename("file.txt", "FILE.TXT"))

	info, err := fs.Stat("FILE.TXT")
	require.NoError(t, err)
	assert.Equal(t, "FILE.TXT", info.Name())

	// The entry is rewritten in place, not duplicated.
	root, err := fs.Open("/")
	require.NoError(t, err)
	defer root.Close()
	names, err := root.Readdirnames(-1)
	require.NoError(t, err)
	assert.Equal(t, []string{"FILE.TXT"}, names)

	file, err := fs.Open("file.txt")
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestFs_RenameDirectoryAcrossParents(t *testing.T) {
	fs, _ := testVolume(t, FAT32)
	require.NoError(t, fs.Mkdir("a", 0o755))
	require.NoError(t, fs.Mkdir("b", 0o755))
	require.NoError(t, fs.Mkdir("a/d", 0o755))
	writeTestFile(t, fs, "a/d/inner.txt", []byte("inner"))
	writeTestFile(t, fs, "b/marker.txt", []byte("marker"))

	require.NoError(t, fs.Rename("a/d", "b/d"))

	_, err := fs.Stat("a/d")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Stat("b/d/inner.txt")
	require.NoError(t, err)

	// The ".." entry of the moved directory follows to the new parent.
	_, err = fs.Stat("b/d/../marker.txt")
	require.NoError(t, err)
}

func TestFs_RenameIntoRootFixesDotDot(t *testing.T) {
	fs, _ := testVolume(t, FAT32)
	require.NoError(t, fs.Mkdir("a", 0o755))
	require.NoError(t, fs.Mkdir("a/d", 0o755))
	writeTestFile(t, fs, "top.txt", []byte("top"))

	require.NoError(t, fs.Rename("a/d", "d"))

	entry, _, err := fs.findInDir(fs.rootDirStart(), "d")
	require.NoError(t, err)
	dotdot, _, err := fs.findInDir(fs.dirLocationOf(&entry.EntryHeader), "..")
	require.NoError(t, err)
	assert.Zero(t, dotdot.FirstCluster().Value())

	_, err = fs.Stat("d/../top.txt")
	require.NoError(t, err)
}

func TestFs_OpenFileFlags(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "exists.txt", []byte("content"))

	_, err := fs.OpenFile("exists.txt", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = fs.Open("missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	file, err := fs.OpenFile("exists.txt", os.O_RDWR|os.O_TRUNC, 0o666)
	require.NoError(t, err)
	require.NoError(t, file.Sync())
	require.NoError(t, file.Close())

	info, err := fs.Stat("exists.txt")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFs_LongFilenames(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	const name = "Long File Name With Spaces.txt"
	writeTestFile(t, fs, name, []byte("lfn"))

	root, err := fs.Open("/")
	require.NoError(t, err)
	defer root.Close()
	names, err := root.Readdirnames(-1)
	require.NoError(t, err)
	assert.Contains(t, names, name)

	// Lookups are case-insensitive by default.
	file, err := fs.Open("long file name with spaces.TXT")
	require.NoError(t, err)
	assert.Equal(t, name, file.Name())
	require.NoError(t, file.Close())

	info, err := fs.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, name, info.Name())
}

func TestFs_DotfileNames(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, ".gitignore", []byte("*.o\n"))
	writeTestFile(t, fs, ".config", []byte("cfg"))

	info, err := fs.Stat(".gitignore")
	require.NoError(t, err)
	assert.Equal(t, ".gitignore", info.Name())

	root, err := fs.Open("/")
	require.NoError(t, err)
	defer root.Close()
	names, err := root.Readdirnames(-1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".gitignore", ".config"}, names)

	file, err := fs.Open(".gitignore")
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "*.o\n", string(got))
}

func TestFs_LongFilenameUnicode(t *testing.T) {
	fs, _ := testVolume(t, FAT32)
	const name = "übung für die prüfung.txt"
	writeTestFile(t, fs, name, []byte("ü"))

	info, err := fs.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, name, info.Name())
}

func TestFs_WithoutLongNames(t *testing.T) {
	fs, _ := testVolume(t, FAT16, WithoutLongNames())

	writeTestFile(t, fs, "PLAIN.TXT", []byte("ok"))

	_, err := fs.Create("Needs An LFN Run.txt")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestFs_CaseSensitiveOption(t *testing.T) {
	fs, _ := testVolume(t, FAT16, WithCaseSensitive())
	writeTestFile(t, fs, "File.txt", []byte("x"))

	_, err := fs.Stat("File.txt")
	require.NoError(t, err)
	_, err = fs.Stat("file.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFs_ASCIIFoldOption(t *testing.T) {
	fs, _ := testVolume(t, FAT16, WithASCIIFold())
	writeTestFile(t, fs, "Übung.txt", []byte("x"))
	writeTestFile(t, fs, "Plain.txt", []byte("x"))

	// ASCII letters still fold.
	_, err := fs.Stat("plain.TXT")
	require.NoError(t, err)

	// Non-ASCII letters compare byte for byte.
	_, err = fs.Stat("übung.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Stat("Übung.txt")
	require.NoError(t, err)
}

func TestFs_InvalidNames(t *testing.T) {
	fs, _ := testVolume(t, FAT16)

	for _, name := range []string{`bad"quote`, "bad<angle", "bad|pipe", "bad*star"} {
		_, err := fs.Create(name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestFs_ReadOnlyMount(t *testing.T) {
	device := testDevice(t, FAT16)

	rw, err := New(device)
	require.NoError(t, err)
	writeTestFile(t, rw, "data.txt", []byte("content"))
	require.NoError(t, rw.Close())

	ro, err := New(device, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	file, err := ro.Open("data.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
	require.NoError(t, file.Close())

	_, err = ro.Create("new.txt")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.Mkdir("dir", 0o755), ErrReadOnly)
	assert.ErrorIs(t, ro.Remove("data.txt"), ErrReadOnly)
	assert.ErrorIs(t, ro.Rename("data.txt", "x.txt"), ErrReadOnly)
	assert.ErrorIs(t, ro.Chmod("data.txt", 0o444), ErrReadOnly)

	_, err = ro.OpenFile("data.txt", os.O_RDWR, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestFs_ReadOnlyMountLeavesDirtyBitAlone(t *testing.T) {
	device := testDevice(t, FAT16)

	ro, err := New(device, WithReadOnly())
	require.NoError(t, err)
	require.NoError(t, ro.Close())

	cache := newSectorCache(device, defaultCacheSectors)
	sector0, err := cache.sector(0)
	require.NoError(t, err)
	info, err := parseBootSector(sector0)
	require.NoError(t, err)
	clean, err := newFatTable(cache, &info).cleanShutdown()
	require.NoError(t, err)
	assert.True(t, clean, "read-only mount must not mark the volume dirty")
}

func TestFs_DirtyBitLifecycle(t *testing.T) {
	device := testDevice(t, FAT16)

	checkClean := func(want bool) {
		t.Helper()
		cache := newSectorCache(device, defaultCacheSectors)
		sector0, err := cache.sector(0)
		require.NoError(t, err)
		info, err := parseBootSector(sector0)
		require.NoError(t, err)
		clean, err := newFatTable(cache, &info).cleanShutdown()
		require.NoError(t, err)
		require.Equal(t, want, clean)
	}

	checkClean(true)

	fs, err := New(device)
	require.NoError(t, err)
	// The dirty mark hits the device at mount, not at the first write.
	checkClean(false)

	require.NoError(t, fs.Close())
	checkClean(true)
}

func TestFs_CloseFlushesEverything(t *testing.T) {
	device := testDevice(t, FAT32)

	fs, err := New(device)
	require.NoError(t, err)
	writeTestFile(t, fs, "kept.txt", []byte("survives the remount"))
	require.NoError(t, fs.Close())

	_, err = fs.Open("kept.txt")
	assert.ErrorIs(t, err, ErrFileClosed)

	fs2, err := New(device)
	require.NoError(t, err)
	defer fs2.Close()

	file, err := fs2.Open("kept.txt")
	require.NoError(t, err)
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "survives the remount", string(got))

	stats, err := fs2.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.TotalClusters-2, stats.FreeClusters)
}

func TestFs_StatRoot(t *testing.T) {
	fs, _ := testVolume(t, FAT16)

	info, err := fs.Stat("/")
	require.NoError(t, err)
	assert.Equal(t, "/", info.Name())
	assert.True(t, info.IsDir())
}

func TestFs_ChmodMapsReadOnlyAttribute(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "file.txt", []byte("x"))

	require.NoError(t, fs.Chmod("file.txt", 0o444))
	info, err := fs.Stat("file.txt")
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&0o222)

	require.NoError(t, fs.Chmod("file.txt", 0o644))
	info, err = fs.Stat("file.txt")
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o200)
}

func TestFs_Chtimes(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "file.txt", []byte("x"))

	mtime := time.Date(1999, 12, 31, 23, 59, 58, 0, time.UTC)
	require.NoError(t, fs.Chtimes("file.txt", mtime, mtime))

	info, err := fs.Stat("file.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "ModTime = %v, want %v", info.ModTime(), mtime)
}

func TestFs_ChownUnsupported(t *testing.T) {
	fs, _ := testVolume(t, FAT16)
	writeTestFile(t, fs, "file.txt", []byte("x"))

	assert.ErrorIs(t, fs.Chown("file.txt", 0, 0), ErrUnsupported)
}

func TestFs_AccessedDateStamping(t *testing.T) {
	clock := FixedClock{Time: time.Date(2010, 7, 8, 9, 10, 12, 0, time.UTC)}
	fs, _ := testVolume(t, FAT16, WithUpdateAccessedDate(), WithClock(clock))
	writeTestFile(t, fs, "read.txt", []byte("content"))

	file, err := fs.Open("read.txt")
	require.NoError(t, err)
	_, err = io.ReadAll(file)
	require.NoError(t, err)
	require.NoError(t, file.Sync())
	require.NoError(t, file.Close())

	info, err := fs.Stat("read.txt")
	require.NoError(t, err)
	sys := info.Sys().(ExtendedEntryHeader)
	assert.Equal(t, ToDate(clock.Now()), sys.LastAccessDate)
}

func TestFs_RootDirectoryGrowth(t *testing.T) {
	// The FAT32 root is a cluster chain and grows on demand; one cluster
	// of 512 byte sectors holds 16 entries per sector.
	fs, _ := testVolume(t, FAT32)

	for i := 0; i < 200; i++ {
		file, err := fs.Create(fmt.Sprintf("file%03d.txt", i))
		require.NoError(t, err)
		require.NoError(t, file.Close())
	}

	root, err := fs.Open("/")
	require.NoError(t, err)
	defer root.Close()
	names, err := root.Readdirnames(-1)
	require.NoError(t, err)
	assert.Len(t, names, 200)
}

func TestFs_FixedRootRunsFull(t *testing.T) {
	// A FAT12/16 root holds RootEntryCount entries and cannot grow. With
	// the volume label taking one slot the 512 entry root fills up before
	// 600 files.
	fs, _ := testVolume(t, FAT12)

	var err error
	for i := 0; i < 600; i++ {
		var file afero.File
		file, err = fs.Create(fmt.Sprintf("file%03d.txt", i))
		if err != nil {
			break
		}
		require.NoError(t, file.Close())
	}
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestFs_ConcurrentUseWithExternalLock(t *testing.T) {
	fs, _ := testVolume(t, FAT32)

	var mu sync.Mutex
	var group errgroup.Group
	for worker := 0; worker < 8; worker++ {
		worker := worker
		group.Go(func() error {
			for i := 0; i < 10; i++ {
				name := fmt.Sprintf("w%d-%d.txt", worker, i)
				mu.Lock()
				err := func() error {
					file, err := fs.Create(name)
					if err != nil {
						return err
					}
					if _, err := file.Write([]byte(name)); err != nil {
						return err
					}
					if err := file.Sync(); err != nil {
						return err
					}
					return file.Close()
				}()
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	root, err := fs.Open("/")
	require.NoError(t, err)
	defer root.Close()
	names, err := root.Readdirnames(-1)
	require.NoError(t, err)
	assert.Len(t, names, 80)

	// Every file must hold its own content and sit in its own cluster
	// chain, interleaved allocations must not have handed out a cluster
	// twice.
	firstClusters := make(map[uint32]string, len(names))
	for _, name := range names {
		file, err := fs.Open(name)
		require.NoError(t, err)
		got, err := io.ReadAll(file)
		require.NoError(t, err)
		require.NoError(t, file.Close())
		assert.Equal(t, name, string(got))

		entry, _, err := fs.findInDir(fs.rootDirStart(), name)
		require.NoError(t, err)
		cluster := entry.FirstCluster().Value()
		if other, taken := firstClusters[cluster]; taken {
			t.Fatalf("cluster %d allocated to both %q and %q", cluster, other, name)
		}
		firstClusters[cluster] = name
	}
}
