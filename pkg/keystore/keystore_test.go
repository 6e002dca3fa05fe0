package keystore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/KevoDB/diskcache/pkg/element"
)

type evictionRecorder struct {
	mu      sync.Mutex
	evicted []Entry
}

func (r *evictionRecorder) handle(key element.Key, blocks []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, Entry{Key: key, Blocks: blocks})
}

func keyPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "region.key")
}

func TestPutGetRemove(t *testing.T) {
	s := New(keyPath(t), Unbounded())
	k := element.NewKey("alpha")

	_, ok := s.Get(k)
	assert.False(t, ok)
	assert.True(t, s.IsEmpty())

	s.Put(k, []uint32{3, 4})
	blocks, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, []uint32{3, 4}, blocks)
	assert.True(t, s.Contains(k))
	assert.Equal(t, 1, s.Size())

	s.Put(k, []uint32{7})
	blocks, ok = s.Peek(k)
	require.True(t, ok)
	assert.Equal(t, []uint32{7}, blocks)
	assert.Equal(t, 1, s.Size())

	blocks, ok = s.Remove(k)
	require.True(t, ok)
	assert.Equal(t, []uint32{7}, blocks)
	_, ok = s.Remove(k)
	assert.False(t, ok)
	assert.True(t, s.IsEmpty())
}

func TestPutCopiesBlocks(t *testing.T) {
	s := New(keyPath(t), Unbounded())
	blocks := []uint32{1, 2}
	s.Put(element.NewKey("k"), blocks)
	blocks[0] = 99

	got, _ := s.Peek(element.NewKey("k"))
	assert.Equal(t, []uint32{1, 2}, got)
}

func TestCountPolicyEvictsLeastRecentlyUsed(t *testing.T) {
	rec := &evictionRecorder{}
	s := New(keyPath(t), CountLimited(2), WithEvictionHandler(rec.handle))

	a, b, c := element.NewKey("a"), element.NewKey("b"), element.NewKey("c")
	s.Put(a, []uint32{0})
	s.Put(b, []uint32{1})
	s.Get(a)
	s.Put(c, []uint32{2})

	assert.Equal(t, 2, s.Size())
	assert.False(t, s.Contains(b))
	require.Len(t, rec.evicted, 1)
	assert.Equal(t, Entry{Key: b, Blocks: []uint32{1}}, rec.evicted[0])
	assert.Equal(t, uint64(1), s.Evictions())

	// Peek does not refresh recency, so a is next out.
	s.Peek(a)
	s.Put(element.NewKey("d"), []uint32{3})
	assert.False(t, s.Contains(a))
}

func TestOverwriteDoesNotNotify(t *testing.T) {
	rec := &evictionRecorder{}
	s := New(keyPath(t), CountLimited(1), WithEvictionHandler(rec.handle))

	k := element.NewKey("k")
	s.Put(k, []uint32{0})
	s.Put(k, []uint32{1})
	assert.Empty(t, rec.evicted)
	assert.Equal(t, 1, s.Size())
}

func TestSizePolicy(t *testing.T) {
	rec := &evictionRecorder{}
	s := New(keyPath(t), SizeLimited(5, 1024), WithEvictionHandler(rec.handle))

	// One 1KB block accounts for 2KB.
	s.Put(element.NewKey("a"), []uint32{0})
	s.Put(element.NewKey("b"), []uint32{1})
	assert.Equal(t, 4, s.ContentSizeKB())
	s.Put(element.NewKey("c"), []uint32{2})
	assert.Equal(t, 2, s.Size())
	assert.Equal(t, 4, s.ContentSizeKB())
	require.Len(t, rec.evicted, 1)
	assert.Equal(t, element.NewKey("a"), rec.evicted[0].Key)

	s.Remove(element.NewKey("b"))
	s.Remove(element.NewKey("c"))
	assert.Equal(t, 0, s.ContentSizeKB())

	// A single entry above the limit is kept.
	big := make([]uint32, 10)
	for i := range big {
		big[i] = uint32(10 + i)
	}
	s.Put(element.NewKey("big"), big)
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, 11, s.ContentSizeKB())

	s.Put(element.NewKey("small"), []uint32{30})
	assert.Equal(t, []element.Key{element.NewKey("small")}, s.Keys())
}

func TestPolicyConstructors(t *testing.T) {
	assert.Equal(t, PolicyUnbounded, CountLimited(0).Kind)
	assert.Equal(t, PolicyUnbounded, SizeLimited(-1, 4096).Kind)
	assert.Equal(t, "count(10)", CountLimited(10).String())
	assert.Equal(t, "size(64KB)", SizeLimited(64, 4096).String())
	assert.Equal(t, "unbounded", Unbounded().String())
}

func TestSaveLoadPreservesRecency(t *testing.T) {
	path := keyPath(t)
	s := New(path, Unbounded())

	a := element.NewKey("a")
	g := element.NewGroupKey("session", "attr")
	c := element.NewKey("c")
	s.Put(a, []uint32{0, 1})
	s.Put(g, []uint32{2})
	s.Put(c, []uint32{3, 5, 4})
	s.Get(a)
	require.NoError(t, s.Save())

	loaded := New(path, Unbounded())
	require.NoError(t, loaded.Load())
	assert.Equal(t, []element.Key{g, c, a}, loaded.Keys())

	blocks, ok := loaded.Peek(c)
	require.True(t, ok)
	assert.Equal(t, []uint32{3, 5, 4}, blocks)

	matches, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLoadMissingFile(t *testing.T) {
	s := New(keyPath(t), Unbounded())
	s.Put(element.NewKey("stale"), []uint32{1})
	require.NoError(t, s.Load())
	assert.True(t, s.IsEmpty())
}

func TestLoadEmptyFile(t *testing.T) {
	path := keyPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s := New(path, Unbounded())
	require.NoError(t, s.Load())
	assert.True(t, s.IsEmpty())
}

func TestLoadTruncatedFile(t *testing.T) {
	path := keyPath(t)
	data := append(keyFileMagic[:], protowire.AppendVarint(nil, 100)...)
	data = append(data, 1, 2, 3)
	require.NoError(t, os.WriteFile(path, data, 0644))

	s := New(path, Unbounded())
	s.Put(element.NewKey("stale"), []uint32{1})
	err := s.Load()
	assert.True(t, errors.Is(err, ErrCorruptKeyFile), "got %v", err)
	assert.True(t, s.IsEmpty())
}

func TestLoadGarbageFile(t *testing.T) {
	path := keyPath(t)
	require.NoError(t, os.WriteFile(path, []byte("definitely not a key file"), 0644))

	s := New(path, Unbounded())
	err := s.Load()
	assert.True(t, errors.Is(err, ErrCorruptKeyFile))
	assert.True(t, s.IsEmpty())
}

func TestLoadLegacyFile(t *testing.T) {
	path := keyPath(t)
	legacy := map[element.Key][]uint32{
		element.NewKey("one"):              {0},
		element.NewGroupKey("grp", "attr"): {1, 2},
	}
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(legacy))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	s := New(path, Unbounded())
	require.NoError(t, s.Load())
	assert.Equal(t, 2, s.Size())
	blocks, ok := s.Peek(element.NewGroupKey("grp", "attr"))
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2}, blocks)

	// Saving upgrades to the current format.
	require.NoError(t, s.Save())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, keyFileMagic[:], data[:4])
}

func TestLoadAppliesPolicy(t *testing.T) {
	path := keyPath(t)
	s := New(path, Unbounded())
	for i, name := range []string{"a", "b", "c"} {
		s.Put(element.NewKey(name), []uint32{uint32(i)})
	}
	require.NoError(t, s.Save())

	rec := &evictionRecorder{}
	small := New(path, CountLimited(1), WithEvictionHandler(rec.handle))
	require.NoError(t, small.Load())
	assert.Equal(t, []element.Key{element.NewKey("c")}, small.Keys())
	assert.Len(t, rec.evicted, 2)
}

func TestVerifyDetectsSharedBlocks(t *testing.T) {
	path := keyPath(t)
	s := New(path, Unbounded(), WithVerify(true))

	a, b := element.NewKey("a"), element.NewKey("b")
	s.Put(a, []uint32{1, 2})
	s.Put(b, []uint32{3})

	res := s.Verify()
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Keys)
	assert.Equal(t, uint64(3), res.Blocks)
	require.NoError(t, s.Save())

	s.Put(b, []uint32{2, 3})
	res = s.Verify()
	assert.False(t, res.OK)
	assert.Equal(t, map[uint32][]element.Key{2: {a, b}}, res.Conflicts)

	err := s.Save()
	assert.True(t, errors.Is(err, ErrInconsistent))

	// The previous file is untouched.
	loaded := New(path, Unbounded())
	require.NoError(t, loaded.Load())
	blocks, _ := loaded.Peek(b)
	assert.Equal(t, []uint32{3}, blocks)

	unchecked := New(path, Unbounded())
	unchecked.Put(a, []uint32{1})
	unchecked.Put(b, []uint32{1})
	assert.NoError(t, unchecked.Save())
}

func TestUsedBlocks(t *testing.T) {
	s := New(keyPath(t), Unbounded())
	s.Put(element.NewKey("a"), []uint32{0, 4})
	s.Put(element.NewKey("b"), []uint32{2})

	assert.Equal(t, []uint32{0, 2, 4}, s.UsedBlocks().ToArray())
}

func TestDecodeRecordSkipsUnknownFields(t *testing.T) {
	var rec []byte
	rec = protowire.AppendTag(rec, 9, protowire.VarintType)
	rec = protowire.AppendVarint(rec, 42)
	rec = protowire.AppendTag(rec, recordName, protowire.BytesType)
	rec = protowire.AppendString(rec, "k")
	rec = protowire.AppendTag(rec, recordBlocks, protowire.VarintType)
	rec = protowire.AppendVarint(rec, 5)

	e, err := decodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, Entry{Key: element.NewKey("k"), Blocks: []uint32{5}}, e)

	_, err = decodeRecord(protowire.AppendTag(nil, recordName, protowire.BytesType))
	assert.Error(t, err)
}

func TestDecodeRecordRejectsOutOfRangeBlocks(t *testing.T) {
	name := protowire.AppendTag(nil, recordName, protowire.BytesType)
	name = protowire.AppendString(name, "k")

	unpacked := protowire.AppendTag(append([]byte(nil), name...), recordBlocks, protowire.VarintType)
	unpacked = protowire.AppendVarint(unpacked, math.MaxUint32+1)
	_, err := decodeRecord(unpacked)
	assert.ErrorContains(t, err, "out of range")

	packed := protowire.AppendTag(append([]byte(nil), name...), recordBlocks, protowire.BytesType)
	packed = protowire.AppendBytes(packed, protowire.AppendVarint(nil, math.MaxUint32+1))
	_, err = decodeRecord(packed)
	assert.ErrorContains(t, err, "out of range")

	edge := protowire.AppendTag(append([]byte(nil), name...), recordBlocks, protowire.VarintType)
	edge = protowire.AppendVarint(edge, math.MaxUint32)
	e, err := decodeRecord(edge)
	require.NoError(t, err)
	assert.Equal(t, []uint32{math.MaxUint32}, e.Blocks)
}

func TestConcurrentAccess(t *testing.T) {
	s := New(keyPath(t), CountLimited(50))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := element.NewKey(string(rune('a'+w)) + string(rune('a'+i%26)))
				s.Put(k, []uint32{uint32(w*1000 + i)})
				s.Get(k)
				if i%7 == 0 {
					s.Remove(k)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Size(), 50)
}
