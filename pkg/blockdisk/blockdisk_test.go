package blockdisk

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/diskcache/pkg/element"
	"github.com/KevoDB/diskcache/pkg/serialization"
)

const testBlockSize = 64

func newTestDisk(t *testing.T) (*BlockDisk, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.data")
	d, err := New(path, testBlockSize, serialization.Standard{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, path
}

func TestWriteReadSingleBlock(t *testing.T) {
	d, _ := newTestDisk(t)

	blocks, err := d.WriteBytes([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, blocks)

	got, err := d.ReadBytes(blocks)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	require.Equal(t, uint32(1), d.BlockCount())
}

func TestWriteReadSpansBlocks(t *testing.T) {
	d, _ := newTestDisk(t)

	payload := bytes.Repeat([]byte("0123456789"), 30)
	blocks, err := d.WriteBytes(payload)
	require.NoError(t, err)
	require.Len(t, blocks, d.BlocksNeeded(len(payload)))
	require.Len(t, blocks, 5)

	got, err := d.ReadBytes(blocks)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	info, err := os.Stat(d.Path())
	require.NoError(t, err)
	require.Equal(t, int64(5*testBlockSize), info.Size())
}

func TestExactBlockBoundary(t *testing.T) {
	d, _ := newTestDisk(t)

	payload := bytes.Repeat([]byte{7}, testBlockSize-HeaderSize)
	blocks, err := d.WriteBytes(payload)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	payload = append(payload, 8)
	blocks, err = d.WriteBytes(payload)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	got, err := d.ReadBytes(blocks)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestElementRoundTrip(t *testing.T) {
	d, _ := newTestDisk(t)

	e := element.New("r", element.NewKey("k1"), bytes.Repeat([]byte("v"), 500))
	blocks, err := d.Write(e)
	require.NoError(t, err)

	got, err := d.Read(blocks)
	require.NoError(t, err)
	require.Equal(t, e.Key, got.Key)
	require.Equal(t, e.Value, got.Value)
	require.Greater(t, d.AveragePutSize(), int64(500))
}

func TestFreedBlocksAreReusedLowestFirst(t *testing.T) {
	d, _ := newTestDisk(t)

	a, err := d.WriteBytes(bytes.Repeat([]byte("a"), 100)) // 2 blocks
	require.NoError(t, err)
	b, err := d.WriteBytes(bytes.Repeat([]byte("b"), 10)) // 1 block
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1}, a)
	require.Equal(t, []uint32{2}, b)

	d.FreeBlocks(b)
	d.FreeBlocks(a)
	require.Equal(t, uint64(3), d.FreeBlockCount())

	c, err := d.WriteBytes(bytes.Repeat([]byte("c"), 150)) // 3 blocks
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 2}, c)
	require.Equal(t, uint64(0), d.FreeBlockCount())
	require.Equal(t, uint32(3), d.BlockCount())

	// Shortfall grows the file after draining the free list.
	d.FreeBlocks([]uint32{1})
	e, err := d.WriteBytes(bytes.Repeat([]byte("e"), 100))
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 3}, e)

	got, err := d.ReadBytes(e)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("e"), 100), got)
}

func TestFileDoesNotGrowUnderChurn(t *testing.T) {
	d, _ := newTestDisk(t)

	var live []uint32
	for i := 0; i < 200; i++ {
		if live != nil {
			d.FreeBlocks(live)
		}
		var err error
		live, err = d.WriteBytes(bytes.Repeat([]byte{byte(i)}, 90))
		require.NoError(t, err)
	}
	require.Equal(t, uint32(2), d.BlockCount())
}

func TestDoubleFreeIgnored(t *testing.T) {
	d, _ := newTestDisk(t)

	blocks, err := d.WriteBytes([]byte("x"))
	require.NoError(t, err)

	d.FreeBlocks(blocks)
	d.FreeBlocks(blocks)
	d.FreeBlocks([]uint32{99})
	require.Equal(t, uint64(1), d.FreeBlockCount())
	require.Equal(t, uint64(2), d.Stats().DoubleFrees)
}

func TestChecksumMismatchDetected(t *testing.T) {
	d, path := newTestDisk(t)

	blocks, err := d.WriteBytes([]byte("precious data"))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("X"), HeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = d.ReadBytes(blocks)
	require.True(t, errors.Is(err, ErrCorruptRecord), "got %v", err)
}

func TestHeaderInconsistentWithBlockCount(t *testing.T) {
	d, _ := newTestDisk(t)

	blocks, err := d.WriteBytes(bytes.Repeat([]byte("z"), 200))
	require.NoError(t, err)
	require.Greater(t, len(blocks), 1)

	_, err = d.ReadBytes(blocks[:1])
	require.True(t, errors.Is(err, ErrCorruptRecord))

	_, err = d.ReadBytes(append(append([]uint32{}, blocks...), blocks[0]))
	require.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestReadBeyondEndOfFile(t *testing.T) {
	d, _ := newTestDisk(t)

	_, err := d.ReadBytes([]uint32{10})
	require.True(t, errors.Is(err, ErrCorruptRecord))

	_, err = d.ReadBytes(nil)
	require.True(t, errors.Is(err, ErrNoBlocks))
}

func TestResetTruncates(t *testing.T) {
	d, path := newTestDisk(t)

	for i := 0; i < 5; i++ {
		_, err := d.WriteBytes(bytes.Repeat([]byte("r"), 100))
		require.NoError(t, err)
	}
	d.FreeBlocks([]uint32{0, 1})

	require.NoError(t, d.Reset())
	require.Equal(t, uint32(0), d.BlockCount())
	require.Equal(t, uint64(0), d.FreeBlockCount())
	require.Equal(t, int64(0), d.AveragePutSize())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Size())

	blocks, err := d.WriteBytes([]byte("after reset"))
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, blocks)
}

func TestReopenKeepsBlockCount(t *testing.T) {
	d, path := newTestDisk(t)

	blocks, err := d.WriteBytes(bytes.Repeat([]byte("p"), 150))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d2, err := New(path, testBlockSize, serialization.Standard{})
	require.NoError(t, err)
	defer d2.Close()

	require.Equal(t, uint32(3), d2.BlockCount())
	got, err := d2.ReadBytes(blocks)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("p"), 150), got)
}

func TestRebuildFreeList(t *testing.T) {
	d, _ := newTestDisk(t)

	a, err := d.WriteBytes(bytes.Repeat([]byte("a"), 100))
	require.NoError(t, err)
	_, err = d.WriteBytes(bytes.Repeat([]byte("b"), 100))
	require.NoError(t, err)

	inUse := roaring.New()
	inUse.AddMany(a)
	require.Equal(t, uint64(2), d.RebuildFreeList(inUse))

	c, err := d.WriteBytes([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, c)
}

func TestClosedDisk(t *testing.T) {
	d, _ := newTestDisk(t)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.WriteBytes([]byte("x"))
	require.True(t, errors.Is(err, ErrClosed))
	_, err = d.ReadBytes([]uint32{0})
	require.True(t, errors.Is(err, ErrClosed))
	require.True(t, errors.Is(d.Reset(), ErrClosed))
}

func TestInvalidBlockSize(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "x.data"), HeaderSize, nil)
	require.Error(t, err)

	d, err := New(filepath.Join(t.TempDir(), "y.data"), 0, nil)
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, DefaultBlockSize, d.BlockSize())
}

func TestConcurrentWritesAreDisjoint(t *testing.T) {
	d, _ := newTestDisk(t)

	const workers = 8
	const perWorker = 50
	results := make(chan []uint32, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				blocks, err := d.WriteBytes(bytes.Repeat([]byte{byte(w)}, 70+i))
				if err != nil {
					t.Errorf("write failed: %v", err)
					return
				}
				results <- blocks
			}
		}(w)
	}
	wg.Wait()
	close(results)

	seen := make(map[uint32]bool)
	for blocks := range results {
		for _, b := range blocks {
			require.False(t, seen[b], "block %d allocated twice", b)
			seen[b] = true
		}
	}
}
