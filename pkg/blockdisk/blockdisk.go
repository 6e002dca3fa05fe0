// Package blockdisk stores serialized elements in a single file divided into
// fixed-size blocks.
//
// A record occupies one or more blocks, listed in allocation order. The first
// block starts with a 12 byte header:
//
//	+----------------+----------------------+
//	| length: uint32 | xxhash64(payload)    |
//	+----------------+----------------------+
//
// followed by the payload, which continues across the remaining blocks. The
// last block is zero padded. Freed blocks are kept in a free list and reused,
// lowest index first, before the file grows. Freed content is not scrubbed.
package blockdisk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/diskcache/pkg/common/log"
	"github.com/KevoDB/diskcache/pkg/element"
	"github.com/KevoDB/diskcache/pkg/serialization"
)

const (
	// DefaultBlockSize is used when no block size is configured
	DefaultBlockSize = 4 * 1024
	// HeaderSize is the size of the record header in the first block
	HeaderSize = 12
	// MaxRecordSize bounds a single payload so the length fits the header
	MaxRecordSize = 1<<32 - 1 - HeaderSize
)

var (
	// ErrClosed is returned when using a closed block disk
	ErrClosed = errors.New("block disk is closed")
	// ErrCorruptRecord is returned when a record header or checksum does not
	// match the blocks it was read from
	ErrCorruptRecord = errors.New("corrupt block record")
	// ErrNoBlocks is returned when reading an empty block list
	ErrNoBlocks = errors.New("no blocks to read")
	// ErrRecordTooLarge is returned when a payload cannot be framed
	ErrRecordTooLarge = errors.New("record too large")
)

// Stats describes the block disk at a point in time.
type Stats struct {
	BlockSize      int
	BlockCount     uint32
	FreeBlocks     uint64
	FileLength     int64
	AveragePutSize int64
	PutCount       int64
	DoubleFrees    uint64
}

// BlockDisk manages the blocks of one backing file.
type BlockDisk struct {
	path       string
	blockSize  int
	serializer serialization.Serializer
	logger     log.Logger

	// mu guards the file handle, block count and free list. Reads go through
	// ReadAt and only take it to validate indices.
	mu        sync.Mutex
	file      *os.File
	numBlocks uint32
	free      *roaring.Bitmap
	closed    bool

	putBytes    atomic.Int64
	putCount    atomic.Int64
	doubleFrees atomic.Uint64
}

// Option configures a BlockDisk.
type Option func(*BlockDisk)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger log.Logger) Option {
	return func(d *BlockDisk) {
		d.logger = logger
	}
}

// New opens or creates the block file at path. A non-positive blockSize
// selects DefaultBlockSize.
func New(path string, blockSize int, serializer serialization.Serializer, opts ...Option) (*BlockDisk, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize <= HeaderSize {
		return nil, fmt.Errorf("block size %d must exceed header size %d", blockSize, HeaderSize)
	}
	if serializer == nil {
		serializer = serialization.Standard{}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open block file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat block file: %w", err)
	}

	d := &BlockDisk{
		path:       path,
		blockSize:  blockSize,
		serializer: serializer,
		logger:     log.GetDefaultLogger(),
		file:       file,
		numBlocks:  uint32((info.Size() + int64(blockSize) - 1) / int64(blockSize)),
		free:       roaring.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithField("block_file", path)

	return d, nil
}

// Path returns the backing file path.
func (d *BlockDisk) Path() string {
	return d.path
}

// BlockSize returns the configured block size in bytes.
func (d *BlockDisk) BlockSize() int {
	return d.blockSize
}

// BlocksNeeded returns how many blocks a payload of n bytes occupies.
func (d *BlockDisk) BlocksNeeded(n int) int {
	return (n + HeaderSize + d.blockSize - 1) / d.blockSize
}

// Write serializes e and stores it, returning the blocks it occupies.
func (d *BlockDisk) Write(e *element.Element) ([]uint32, error) {
	payload, err := d.serializer.Serialize(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize element: %w", err)
	}
	return d.WriteBytes(payload)
}

// Read loads the element stored in blocks.
func (d *BlockDisk) Read(blocks []uint32) (*element.Element, error) {
	payload, err := d.ReadBytes(blocks)
	if err != nil {
		return nil, err
	}
	e, err := d.serializer.Deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return e, nil
}

// WriteBytes frames payload across freshly allocated blocks. Free blocks are
// used before the file grows. On failure the allocated blocks are returned to
// the free list.
func (d *BlockDisk) WriteBytes(payload []byte) ([]uint32, error) {
	if int64(len(payload)) > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}

	n := d.BlocksNeeded(len(payload))
	blocks, err := d.allocate(n)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n*d.blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], xxhash.Sum64(payload))
	copy(buf[HeaderSize:], payload)

	if err := d.forEachRun(blocks, func(first uint32, pos, count int) error {
		chunk := buf[pos*d.blockSize : (pos+count)*d.blockSize]
		_, err := d.file.WriteAt(chunk, int64(first)*int64(d.blockSize))
		return err
	}); err != nil {
		d.FreeBlocks(blocks)
		return nil, fmt.Errorf("failed to write blocks: %w", err)
	}

	d.putBytes.Add(int64(len(payload)))
	d.putCount.Add(1)
	return blocks, nil
}

// ReadBytes reads the record stored in blocks and returns its payload.
func (d *BlockDisk) ReadBytes(blocks []uint32) ([]byte, error) {
	if len(blocks) == 0 {
		return nil, ErrNoBlocks
	}

	d.mu.Lock()
	closed, numBlocks := d.closed, d.numBlocks
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	for _, b := range blocks {
		if b >= numBlocks {
			return nil, fmt.Errorf("%w: block %d beyond end of file (%d blocks)", ErrCorruptRecord, b, numBlocks)
		}
	}

	buf := make([]byte, len(blocks)*d.blockSize)
	if err := d.forEachRun(blocks, func(first uint32, pos, count int) error {
		chunk := buf[pos*d.blockSize : (pos+count)*d.blockSize]
		_, err := d.file.ReadAt(chunk, int64(first)*int64(d.blockSize))
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to read blocks: %w", err)
	}

	length := int(binary.LittleEndian.Uint32(buf[0:4]))
	sum := binary.LittleEndian.Uint64(buf[4:12])
	if length > len(buf)-HeaderSize || d.BlocksNeeded(length) != len(blocks) {
		return nil, fmt.Errorf("%w: length %d does not fit %d blocks", ErrCorruptRecord, length, len(blocks))
	}

	payload := buf[HeaderSize : HeaderSize+length]
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return payload, nil
}

// FreeBlocks returns blocks to the free list. Their content stays on disk
// until the blocks are reused. Indices outside the file or already free are
// ignored.
func (d *BlockDisk) FreeBlocks(blocks []uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range blocks {
		if b >= d.numBlocks || !d.free.CheckedAdd(b) {
			d.doubleFrees.Add(1)
			d.logger.Debug("Ignoring free of block %d", b)
		}
	}
}

// RebuildFreeList replaces the free list with every block of the file not in
// inUse and returns the number of free blocks. Used after loading a key index,
// since the free list itself is not persisted.
func (d *BlockDisk) RebuildFreeList(inUse *roaring.Bitmap) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	free := roaring.New()
	free.AddRange(0, uint64(d.numBlocks))
	if inUse != nil {
		free.AndNot(inUse)
	}
	d.free = free
	return free.GetCardinality()
}

// Reset empties the free list and truncates the file to zero blocks.
func (d *BlockDisk) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.free.Clear()
	d.numBlocks = 0
	d.putBytes.Store(0)
	d.putCount.Store(0)

	if err := d.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate block file: %w", err)
	}
	return nil
}

// Sync flushes file contents to stable storage.
func (d *BlockDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	return d.file.Sync()
}

// Close releases the file handle.
func (d *BlockDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

// BlockCount returns the number of blocks in the file.
func (d *BlockDisk) BlockCount() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numBlocks
}

// FreeBlockCount returns the number of blocks available for reuse.
func (d *BlockDisk) FreeBlockCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free.GetCardinality()
}

// AveragePutSize returns the mean payload size of successful writes.
func (d *BlockDisk) AveragePutSize() int64 {
	count := d.putCount.Load()
	if count == 0 {
		return 0
	}
	return d.putBytes.Load() / count
}

// Stats returns a snapshot of the block disk diagnostics.
func (d *BlockDisk) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		BlockSize:  d.blockSize,
		BlockCount: d.numBlocks,
		FreeBlocks: d.free.GetCardinality(),
		FileLength: int64(d.numBlocks) * int64(d.blockSize),
	}
	if !d.closed {
		if info, err := d.file.Stat(); err == nil {
			s.FileLength = info.Size()
		}
	}
	d.mu.Unlock()

	s.AveragePutSize = d.AveragePutSize()
	s.PutCount = d.putCount.Load()
	s.DoubleFrees = d.doubleFrees.Load()
	return s
}

// allocate pops n blocks, lowest free index first, growing the file for any
// shortfall.
func (d *BlockDisk) allocate(n int) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	blocks := make([]uint32, 0, n)
	for len(blocks) < n && !d.free.IsEmpty() {
		b := d.free.Minimum()
		d.free.Remove(b)
		blocks = append(blocks, b)
	}
	for len(blocks) < n {
		blocks = append(blocks, d.numBlocks)
		d.numBlocks++
	}
	return blocks, nil
}

// forEachRun calls fn once per run of consecutive block indices. pos is the
// position of the run's first block within blocks.
func (d *BlockDisk) forEachRun(blocks []uint32, fn func(first uint32, pos, count int) error) error {
	start := 0
	for i := 1; i <= len(blocks); i++ {
		if i < len(blocks) && blocks[i] == blocks[i-1]+1 {
			continue
		}
		if err := fn(blocks[start], start, i-start); err != nil {
			return err
		}
		start = i
	}
	return nil
}
