package envelopefs

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// BlockCipherStream seals and opens the block records of one file under its
// content key. It holds no file handle and is safe for concurrent use.
type BlockCipherStream struct {
	engine   CipherEngine
	layout   blockLayout
	fileID   string
	parallel ParallelConfig
	rand     io.Reader
}

// NewBlockCipherStream creates a stream for the file described by h.
func NewBlockCipherStream(h *FileEncryptionHeader, contentKey []byte, parallel ParallelConfig) (*BlockCipherStream, error) {
	if h == nil {
		return nil, ErrInvalidHeader
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateKey(contentKey, ContentKeySize); err != nil {
		return nil, err
	}
	engine, err := NewCipherEngine(h.Cipher, contentKey)
	if err != nil {
		return nil, err
	}
	layout, err := newBlockLayout(h.Cipher, h.BlockSize)
	if err != nil {
		return nil, err
	}
	return &BlockCipherStream{
		engine:   engine,
		layout:   layout,
		fileID:   h.FileID,
		parallel: parallel,
	}, nil
}

// BlockSize returns the plaintext size of every block but the last.
func (s *BlockCipherStream) BlockSize() int {
	return int(s.layout.blockSize)
}

// LogicalSize returns the plaintext length of a ciphertext of the given size.
func (s *BlockCipherStream) LogicalSize(ciphertextSize int64) (int64, error) {
	return s.layout.logicalSize(ciphertextSize)
}

// CiphertextSize returns the stored size of a plaintext of the given length.
func (s *BlockCipherStream) CiphertextSize(size int64) int64 {
	return s.layout.ciphertextSize(size)
}

// sealBlock encrypts one block under a fresh random nonce and returns the
// complete record.
func (s *BlockCipherStream) sealBlock(index uint64, plaintext []byte, final bool) ([]byte, error) {
	nonce, err := randomBytes(s.rand, int(s.layout.nonceSize))
	if err != nil {
		return nil, err
	}
	ct, err := s.engine.Seal(nonce, plaintext, blockAAD(s.fileID, index, uint32(len(plaintext)), final))
	if err != nil {
		return nil, err
	}
	rec := make([]byte, 0, blockLenSize+len(nonce)+len(ct))
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(plaintext)))
	rec = append(rec, nonce...)
	return append(rec, ct...), nil
}

// openBlock authenticates and decrypts one record.
func (s *BlockCipherStream) openBlock(index uint64, record []byte, final bool) ([]byte, error) {
	fail := func(msg string, err error) error {
		return &IntegrityError{FileID: s.fileID, Block: index, Message: msg, Err: err}
	}

	if int64(len(record)) <= s.layout.overhead() {
		return nil, fail("record truncated", ErrAuthFailed)
	}
	plen := int64(binary.LittleEndian.Uint32(record))
	if plen == 0 || plen > s.layout.blockSize || int64(len(record)) != s.layout.overhead()+plen {
		return nil, fail("record length mismatch", ErrAuthFailed)
	}
	if !final && plen != s.layout.blockSize {
		return nil, fail("short block before end of file", ErrAuthFailed)
	}

	nonce := record[blockLenSize : blockLenSize+s.layout.nonceSize]
	pt, err := s.engine.Open(nonce, record[blockLenSize+s.layout.nonceSize:], blockAAD(s.fileID, index, uint32(plen), final))
	if err != nil {
		return nil, fail("authentication failed", err)
	}
	return pt, nil
}

// openRange reads and opens blocks first..last of a ciphertext holding
// count blocks. Nothing is returned unless every block authenticates.
func (s *BlockCipherStream) openRange(src io.ReaderAt, ciphertextSize int64, first, last, count uint64) ([][]byte, error) {
	start := s.layout.recordOffset(first)
	end := s.layout.recordOffset(last + 1)
	if end > ciphertextSize {
		end = ciphertextSize
	}
	raw := make([]byte, end-start)
	if n, err := src.ReadAt(raw, start); err != nil && !(errors.Is(err, io.EOF) && int64(n) == end-start) {
		return nil, NewIOError("read", s.fileID, err)
	}

	blocks := make([][]byte, last-first+1)
	err := s.parallel.forEachBlock(len(blocks), func(i int) error {
		lo := int64(i) * s.layout.recordSize()
		hi := lo + s.layout.recordSize()
		if hi > int64(len(raw)) {
			hi = int64(len(raw))
		}
		index := first + uint64(i)
		pt, err := s.openBlock(index, raw[lo:hi], index == count-1)
		blocks[i] = pt
		return err
	})
	if err != nil {
		for _, b := range blocks {
			zero(b)
		}
		return nil, err
	}
	return blocks, nil
}

// Encode reads src to EOF and writes its block records to dst. Memory use is
// bounded by the batch size regardless of input length. It returns the
// number of plaintext bytes encoded.
func (s *BlockCipherStream) Encode(dst io.Writer, src io.Reader) (int64, error) {
	br := bufio.NewReaderSize(src, int(s.layout.blockSize))
	batch := s.parallel.batchBlocks()

	var index uint64
	var total int64
	for {
		blocks := make([][]byte, 0, batch)
		done := false
		for len(blocks) < batch && !done {
			buf := make([]byte, s.layout.blockSize)
			n, err := io.ReadFull(br, buf)
			switch {
			case err == io.EOF:
				done = true
				continue
			case err == io.ErrUnexpectedEOF:
				done = true
			case err != nil:
				return total, err
			default:
				if _, perr := br.Peek(1); perr == io.EOF {
					done = true
				} else if perr != nil {
					return total, perr
				}
			}
			blocks = append(blocks, buf[:n])
		}

		records := make([][]byte, len(blocks))
		err := s.parallel.forEachBlock(len(blocks), func(i int) error {
			rec, err := s.sealBlock(index+uint64(i), blocks[i], done && i == len(blocks)-1)
			records[i] = rec
			return err
		})
		if err != nil {
			return total, err
		}
		for i, rec := range records {
			if _, err := dst.Write(rec); err != nil {
				return total, err
			}
			total += int64(len(blocks[i]))
		}
		index += uint64(len(blocks))

		if done {
			return total, nil
		}
	}
}

// Decode writes the plaintext of [off, off+length) to dst, clipped to the
// logical size. Every block of the range is authenticated before any byte
// reaches dst; on failure Decode writes nothing and returns an
// *IntegrityError. Memory use is bounded by the batch size, so the range is
// read twice.
func (s *BlockCipherStream) Decode(dst io.Writer, src io.ReaderAt, ciphertextSize, off, length int64) (int64, error) {
	if err := ValidateRange(off, length); err != nil {
		return 0, err
	}
	r, err := s.NewReader(src, ciphertextSize)
	if err != nil {
		return 0, err
	}
	end := off + length
	if end > r.Size() {
		end = r.Size()
	}

	span := s.layout.blockSize * int64(s.parallel.batchBlocks())
	buf := make([]byte, span)
	defer zero(buf)

	var written int64
	for _, release := range []bool{false, true} {
		for pos := off; pos < end; {
			next := (pos/span + 1) * span
			if next > end {
				next = end
			}
			n, err := r.ReadAt(buf[:next-pos], pos)
			if err != nil && !(errors.Is(err, io.EOF) && int64(n) == next-pos) {
				return written, err
			}
			if release {
				m, err := dst.Write(buf[:n])
				written += int64(m)
				if err != nil {
					return written, err
				}
			}
			pos = next
		}
	}
	return written, nil
}

// BlockReader gives random read access to the plaintext of a ciphertext.
type BlockReader struct {
	s              *BlockCipherStream
	src            io.ReaderAt
	ciphertextSize int64
	size           int64
}

// NewReader returns a reader over src, which holds ciphertextSize bytes.
func (s *BlockCipherStream) NewReader(src io.ReaderAt, ciphertextSize int64) (*BlockReader, error) {
	size, err := s.layout.logicalSize(ciphertextSize)
	if err != nil {
		return nil, &IntegrityError{FileID: s.fileID, Block: uint64(ciphertextSize / s.layout.recordSize()), Message: "invalid ciphertext length", Err: err}
	}
	return &BlockReader{s: s, src: src, ciphertextSize: ciphertextSize, size: size}, nil
}

// Size returns the logical (plaintext) size.
func (r *BlockReader) Size() int64 {
	return r.size
}

// ReadAt fills p from logical offset off. Either every touched block
// authenticates and p is filled, or p is zeroed and 0 bytes are reported.
func (r *BlockReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p))
	if end > r.size {
		end = r.size
	}
	l := r.s.layout
	first, last := l.blockIndex(off), l.blockIndex(end-1)
	blocks, err := r.s.openRange(r.src, r.ciphertextSize, first, last, l.blockCount(r.size))
	if err != nil {
		zero(p)
		return 0, err
	}

	n := 0
	for i, b := range blocks {
		blockStart := int64(first+uint64(i)) * l.blockSize
		lo := int64(0)
		if off > blockStart {
			lo = off - blockStart
		}
		hi := int64(len(b))
		if blockStart+hi > end {
			hi = end - blockStart
		}
		n += copy(p[n:], b[lo:hi])
		zero(b)
	}

	if int64(len(p)) > end-off {
		return n, io.EOF
	}
	return n, nil
}
