package envelopefs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/absfs/absfs"
)

var _ absfs.File = (*BlockFile)(nil)

// BlockFile presents the plaintext of a block-encrypted base file. Writes are
// buffered per block and sealed on Sync, Close or when the dirty set grows
// past the batch size.
type BlockFile struct {
	base   absfs.File
	name   string
	stream *BlockCipherStream
	flags  int

	mu       sync.Mutex
	position int64
	size     int64 // logical size including unflushed writes
	closed   bool

	// What is on the base file as of the last flush
	storedSize   int64
	storedBlocks uint64

	dirty map[uint64][]byte
	cache *blockCache

	onClose func() error
}

// newBlockFile wraps base. The base file must already hold a valid block
// stream for h (possibly empty).
func newBlockFile(base absfs.File, name string, stream *BlockCipherStream, flags int) (*BlockFile, error) {
	info, err := base.Stat()
	if err != nil {
		return nil, NewIOError("stat", name, err)
	}
	size, err := stream.LogicalSize(info.Size())
	if err != nil {
		return nil, &IntegrityError{Path: name, FileID: stream.fileID, Message: "invalid ciphertext length", Err: err}
	}

	return &BlockFile{
		base:         base,
		name:         name,
		stream:       stream,
		flags:        flags,
		size:         size,
		storedSize:   size,
		storedBlocks: stream.layout.blockCount(size),
		dirty:        make(map[uint64][]byte),
		cache:        newBlockCache(16),
	}, nil
}

func (f *BlockFile) blockLen(i uint64) int {
	start := int64(i) * f.stream.layout.blockSize
	if start >= f.size {
		return 0
	}
	n := f.size - start
	if n > f.stream.layout.blockSize {
		n = f.stream.layout.blockSize
	}
	return int(n)
}

// block returns the current plaintext of block i sized to the logical size.
// Bytes that were never written read as zeros.
func (f *BlockFile) block(i uint64) ([]byte, error) {
	want := f.blockLen(i)
	if b, ok := f.dirty[i]; ok {
		if len(b) < want {
			b = grow(b, want)
			f.dirty[i] = b
		}
		return b[:want], nil
	}

	var b []byte
	if i < f.storedBlocks {
		if cached, ok := f.cache.Get(i); ok {
			b = cached
		} else {
			blocks, err := f.stream.openRange(f.base, f.stream.layout.ciphertextSize(f.storedSize), i, i, f.storedBlocks)
			if err != nil {
				return nil, f.annotate(err)
			}
			b = blocks[0]
			f.cache.Put(i, b)
		}
	}
	if len(b) < want {
		b = grow(b, want)
	}
	return b[:want], nil
}

func grow(b []byte, n int) []byte {
	nb := make([]byte, n)
	copy(nb, b)
	return nb
}

func (f *BlockFile) annotate(err error) error {
	var ie *IntegrityError
	if errors.As(err, &ie) && ie.Path == "" {
		ie.Path = f.name
	}
	return err
}

// Read reads up to len(p) bytes from the current position
func (f *BlockFile) Read(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	n, err := f.readInternal(p, f.position)
	f.position += int64(n)
	return n, err
}

// ReadAt reads len(b) bytes starting at byte offset off. Either every block
// touched authenticates or b is zeroed and no bytes are reported.
func (f *BlockFile) ReadAt(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	n, err := f.readInternal(b, off)
	if err == nil && n < len(b) {
		err = io.EOF
	}
	return n, err
}

// readInternal assumes the lock is held
func (f *BlockFile) readInternal(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= f.size {
		return 0, io.EOF
	}

	end := off + int64(len(p))
	if end > f.size {
		end = f.size
	}

	l := f.stream.layout

	// Multi-block reads with nothing buffered authenticate the whole range
	// in one pass; single-block reads go through the cache.
	if len(f.dirty) == 0 && f.size == f.storedSize && l.blockIndex(end-1) > l.blockIndex(off) {
		r, err := f.stream.NewReader(f.base, f.stream.layout.ciphertextSize(f.storedSize))
		if err != nil {
			return 0, f.annotate(err)
		}
		n, err := r.ReadAt(p[:end-off], off)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, f.annotate(err)
		}
		return n, nil
	}

	n := 0
	for pos := off; pos < end; {
		i := l.blockIndex(pos)
		b, err := f.block(i)
		if err != nil {
			zero(p[:n])
			return 0, err
		}
		lo := pos - int64(i)*l.blockSize
		hi := int64(len(b))
		if int64(i)*l.blockSize+hi > end {
			hi = end - int64(i)*l.blockSize
		}
		c := copy(p[n:], b[lo:hi])
		n += c
		pos += int64(c)
	}
	return n, nil
}

// Write writes len(p) bytes at the current position
func (f *BlockFile) Write(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	if f.flags&os.O_APPEND != 0 {
		f.position = f.size
	}
	n, err := f.writeInternal(p, f.position)
	f.position += int64(n)
	return n, err
}

// WriteAt writes len(b) bytes starting at byte offset off. Writing past the
// end leaves a zero-filled gap.
func (f *BlockFile) WriteAt(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	if f.flags&os.O_APPEND != 0 {
		return 0, errors.New("WriteAt not allowed on file opened with O_APPEND")
	}
	return f.writeInternal(b, off)
}

// WriteString writes the contents of string s
func (f *BlockFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// writeInternal assumes the lock is held
func (f *BlockFile) writeInternal(p []byte, off int64) (int, error) {
	if f.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrPermission}
	}
	if len(p) == 0 {
		return 0, nil
	}

	l := f.stream.layout
	written := 0
	for written < len(p) {
		pos := off + int64(written)
		i := l.blockIndex(pos)
		inBlock := pos - int64(i)*l.blockSize

		toWrite := int64(len(p) - written)
		if avail := l.blockSize - inBlock; toWrite > avail {
			toWrite = avail
		}

		if pos+toWrite > f.size {
			f.size = pos + toWrite
		}
		b, err := f.block(i)
		if err != nil {
			return written, err
		}
		copy(b[inBlock:], p[written:written+int(toWrite)])
		f.dirty[i] = b
		f.cache.Remove(i)
		written += int(toWrite)

		if len(f.dirty) >= f.stream.parallel.batchBlocks() {
			if err := f.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// flush seals every block that differs from the base file. The previous
// final block is resealed when the file grows or shrinks past it, and blocks
// in a gap left by a write past the end are written as zeros.
func (f *BlockFile) flush() error {
	if len(f.dirty) == 0 && f.size == f.storedSize {
		return nil
	}

	l := f.stream.layout
	count := l.blockCount(f.size)

	indices := make([]uint64, 0, len(f.dirty)+2)
	seen := make(map[uint64]bool, len(f.dirty)+2)
	add := func(i uint64) {
		if i < count && !seen[i] {
			seen[i] = true
			indices = append(indices, i)
		}
	}
	for i := range f.dirty {
		add(i)
	}
	if f.size != f.storedSize {
		if count > 0 {
			add(count - 1)
		}
		if f.storedBlocks > 0 {
			add(f.storedBlocks - 1)
		}
		for i := f.storedBlocks; i < count; i++ {
			add(i)
		}
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })

	batch := f.stream.parallel.batchBlocks()
	for start := 0; start < len(indices); start += batch {
		end := start + batch
		if end > len(indices) {
			end = len(indices)
		}
		group := indices[start:end]

		plain := make([][]byte, len(group))
		for k, i := range group {
			b, err := f.block(i)
			if err != nil {
				return err
			}
			plain[k] = b
		}

		records := make([][]byte, len(group))
		err := f.stream.parallel.forEachBlock(len(group), func(k int) error {
			rec, err := f.stream.sealBlock(group[k], plain[k], group[k] == count-1)
			records[k] = rec
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to seal block: %w", err)
		}

		for k, i := range group {
			if _, err := f.base.WriteAt(records[k], l.recordOffset(i)); err != nil {
				return NewIOError("write", f.name, err)
			}
		}
	}

	if newCT := l.ciphertextSize(f.size); newCT < l.ciphertextSize(f.storedSize) {
		if err := f.base.Truncate(newCT); err != nil {
			return NewIOError("truncate", f.name, err)
		}
	}

	for i, b := range f.dirty {
		if i < count {
			f.cache.Put(i, b)
		}
		zero(b)
	}
	f.dirty = make(map[uint64][]byte)
	f.storedSize = f.size
	f.storedBlocks = count
	return nil
}

// Seek sets the offset for the next Read or Write
func (f *BlockFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.position + offset
	case io.SeekEnd:
		newPos = f.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if newPos < 0 {
		return 0, fmt.Errorf("negative position: %d", newPos)
	}

	f.position = newPos
	return newPos, nil
}

// Truncate changes the logical size of the file. It does not change the I/O
// offset. Growing fills with zeros.
func (f *BlockFile) Truncate(size int64) error {
	if size < 0 {
		return ErrNegativeOffset
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return &os.PathError{Op: "truncate", Path: f.name, Err: os.ErrPermission}
	}
	if size == f.size {
		return nil
	}

	l := f.stream.layout
	if size < f.size {
		count := l.blockCount(size)
		// The surviving part of the last block must be loaded before the
		// size changes, while its bytes are still addressable.
		if count > 0 {
			b, err := f.block(count - 1)
			if err != nil {
				return err
			}
			keep := int(size - int64(count-1)*l.blockSize)
			f.dirty[count-1] = append([]byte(nil), b[:keep]...)
			f.cache.Remove(count - 1)
		}
		for i := range f.dirty {
			if i >= count {
				delete(f.dirty, i)
			}
		}
		f.cache.RemoveFrom(count)
	}
	f.size = size
	return f.flush()
}

// Sync seals buffered blocks and commits the base file to stable storage
func (f *BlockFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if err := f.flush(); err != nil {
		return err
	}
	return f.base.Sync()
}

// Close flushes and closes the file
func (f *BlockFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.closed = true

	flushErr := f.flush()
	for _, b := range f.dirty {
		zero(b)
	}
	f.cache.Clear()

	closeErr := f.base.Close()
	if f.onClose != nil {
		if err := f.onClose(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Stat returns file info reporting the logical size
func (f *BlockFile) Stat() (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := f.base.Stat()
	if err != nil {
		return nil, err
	}
	return &plainFileInfo{FileInfo: info, size: f.size}, nil
}

// Name returns the name of the file
func (f *BlockFile) Name() string {
	return f.name
}

// Size returns the logical size including buffered writes
func (f *BlockFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Readdirnames reads directory names (not applicable for files)
func (f *BlockFile) Readdirnames(n int) ([]string, error) {
	return nil, fmt.Errorf("not a directory")
}

// Readdir reads directory entries (not applicable for files)
func (f *BlockFile) Readdir(n int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("not a directory")
}

// ReadDir reads directory entries (not applicable for files)
func (f *BlockFile) ReadDir(n int) ([]fs.DirEntry, error) {
	return nil, fmt.Errorf("not a directory")
}

// plainFileInfo reports the plaintext size of an encrypted file
type plainFileInfo struct {
	os.FileInfo
	size int64
}

func (i *plainFileInfo) Size() int64 {
	return i.size
}

// blockCache is a small LRU cache of decrypted blocks
type blockCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64][]byte
	lru      []uint64
}

func newBlockCache(capacity int) *blockCache {
	return &blockCache{
		capacity: capacity,
		cache:    make(map[uint64][]byte),
		lru:      make([]uint64, 0, capacity),
	}
}

func (c *blockCache) Get(key uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	c.touch(key)

	result := make([]byte, len(data))
	copy(result, data)
	return result, true
}

func (c *blockCache) Put(key uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)

	if old, ok := c.cache[key]; ok {
		zero(old)
		c.cache[key] = stored
		c.touch(key)
		return
	}

	if len(c.cache) >= c.capacity && len(c.lru) > 0 {
		oldest := c.lru[0]
		zero(c.cache[oldest])
		delete(c.cache, oldest)
		c.lru = c.lru[1:]
	}

	c.cache[key] = stored
	c.lru = append(c.lru, key)
}

func (c *blockCache) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// RemoveFrom drops every block with index >= from
func (c *blockCache) RemoveFrom(from uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if key >= from {
			c.removeLocked(key)
		}
	}
}

func (c *blockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.cache {
		zero(b)
	}
	c.cache = make(map[uint64][]byte)
	c.lru = c.lru[:0]
}

func (c *blockCache) removeLocked(key uint64) {
	b, ok := c.cache[key]
	if !ok {
		return
	}
	zero(b)
	delete(c.cache, key)
	for i, k := range c.lru {
		if k == key {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
}

// touch moves key to the most recently used end; the lock is held
func (c *blockCache) touch(key uint64) {
	for i, k := range c.lru {
		if k == key {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, key)
}
