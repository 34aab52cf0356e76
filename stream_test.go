package envelopefs

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t testing.TB, cipher CipherSuite, fileID string, key []byte) *BlockCipherStream {
	t.Helper()
	h := NewFileEncryptionHeader(cipher, testBlockSize, KeyModePerUser, fileID, key)
	s, err := NewBlockCipherStream(h, key, testConfig().Parallel)
	require.NoError(t, err)
	return s
}

func encode(t testing.TB, s *BlockCipherStream, plaintext []byte) []byte {
	t.Helper()
	var ct bytes.Buffer
	n, err := s.Encode(&ct, bytes.NewReader(plaintext))
	require.NoError(t, err)
	require.Equal(t, int64(len(plaintext)), n)
	return ct.Bytes()
}

func TestBlockCipherStream_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, testBlockSize - 1, testBlockSize, testBlockSize + 1, 3*testBlockSize + 17, 40 * testBlockSize}

	for _, cipher := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", cipher, size), func(t *testing.T) {
				key := randomData(1, ContentKeySize)
				s := newTestStream(t, cipher, "file-1", key)
				plaintext := randomData(int64(size), size)

				ct := encode(t, s, plaintext)
				assert.Equal(t, s.CiphertextSize(int64(size)), int64(len(ct)))

				logical, err := s.LogicalSize(int64(len(ct)))
				require.NoError(t, err)
				assert.Equal(t, int64(size), logical)

				var out bytes.Buffer
				n, err := s.Decode(&out, bytes.NewReader(ct), int64(len(ct)), 0, int64(size))
				require.NoError(t, err)
				assert.Equal(t, int64(size), n)
				assert.True(t, bytes.Equal(plaintext, out.Bytes()), "decoded plaintext differs")
			})
		}
	}
}

func TestBlockCipherStream_FreshNonces(t *testing.T) {
	key := randomData(2, ContentKeySize)
	s := newTestStream(t, CipherAES256GCM, "file-1", key)
	plaintext := make([]byte, 2*testBlockSize)

	a := encode(t, s, plaintext)
	b := encode(t, s, plaintext)
	assert.NotEqual(t, a, b, "identical plaintext must not produce identical ciphertext")

	// Identical plaintext blocks within one file differ as well.
	rs := s.layout.recordSize()
	assert.NotEqual(t, a[:rs], a[rs:2*rs])
}

func TestBlockCipherStream_RandomAccess(t *testing.T) {
	key := randomData(3, ContentKeySize)
	s := newTestStream(t, CipherChaCha20Poly1305, "file-ra", key)
	size := 10*testBlockSize + 37
	plaintext := randomData(4, size)
	ct := encode(t, s, plaintext)

	r, err := s.NewReader(bytes.NewReader(ct), int64(len(ct)))
	require.NoError(t, err)
	require.Equal(t, int64(size), r.Size())

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		off := rng.Int63n(int64(size))
		length := rng.Intn(3*testBlockSize) + 1

		buf := make([]byte, length)
		n, err := r.ReadAt(buf, off)
		want := plaintext[off:]
		if len(want) > length {
			want = want[:length]
		}
		if len(want) < length {
			assert.ErrorIs(t, err, io.EOF)
		} else {
			require.NoError(t, err)
		}
		require.Equal(t, len(want), n, "ReadAt(%d, %d)", off, length)
		require.True(t, bytes.Equal(want, buf[:n]), "ReadAt(%d, %d) returned wrong bytes", off, length)

		var out bytes.Buffer
		_, err = s.Decode(&out, bytes.NewReader(ct), int64(len(ct)), off, int64(length))
		require.NoError(t, err)
		require.True(t, bytes.Equal(want, out.Bytes()), "Decode(%d, %d) returned wrong bytes", off, length)
	}

	_, err = r.ReadAt(make([]byte, 1), int64(size))
	assert.ErrorIs(t, err, io.EOF)
	_, err = r.ReadAt(make([]byte, 1), -1)
	assert.ErrorIs(t, err, ErrNegativeOffset)
}

// requireRejected checks that reading the whole ciphertext fails with an
// integrity error and releases no plaintext.
func requireRejected(t *testing.T, s *BlockCipherStream, ct []byte, size int) {
	t.Helper()
	r, err := s.NewReader(bytes.NewReader(ct), int64(len(ct)))
	if err != nil {
		require.True(t, IsIntegrityError(err), "unexpected error: %v", err)
		return
	}

	buf := bytes.Repeat([]byte{0xAA}, size)
	n, err := r.ReadAt(buf, 0)
	require.Error(t, err)
	require.True(t, IsIntegrityError(err), "unexpected error: %v", err)
	require.True(t, IsCorrupted(err))
	require.Zero(t, n)
	require.Equal(t, make([]byte, size), buf, "plaintext released after a failed read")
}

func TestBlockCipherStream_TamperDetection(t *testing.T) {
	key := randomData(6, ContentKeySize)
	s := newTestStream(t, CipherAES256GCM, "file-t", key)
	size := 4*testBlockSize + 9
	plaintext := randomData(7, size)
	ct := encode(t, s, plaintext)

	f := fuzz.NewWithSeed(8)
	for i := 0; i < 100; i++ {
		var pos uint32
		var bit uint8
		f.Fuzz(&pos)
		f.Fuzz(&bit)

		tampered := append([]byte(nil), ct...)
		tampered[int(pos)%len(tampered)] ^= 1 << (bit % 8)
		requireRejected(t, s, tampered, size)
	}
}

func TestBlockCipherStream_DecodeReleasesNothingOnTamper(t *testing.T) {
	key := randomData(13, ContentKeySize)
	s := newTestStream(t, CipherAES256GCM, "file-d", key)
	require.Equal(t, 4, s.parallel.batchBlocks())
	rs := int(s.layout.recordSize())

	size := 10 * testBlockSize
	plaintext := randomData(14, size)
	ct := encode(t, s, plaintext)

	// The last block sits in the third batch, after two batches that
	// authenticate.
	tampered := append([]byte(nil), ct...)
	tampered[9*rs+blockLenSize+20] ^= 0x01

	tests := []struct {
		name      string
		off, size int64
	}{
		{"whole file", 0, int64(size)},
		{"from second batch", int64(5 * testBlockSize), int64(5 * testBlockSize)},
		{"last block only", int64(9*testBlockSize + 3), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			n, err := s.Decode(&out, bytes.NewReader(tampered), int64(len(tampered)), tt.off, tt.size)
			require.Error(t, err)
			assert.True(t, IsIntegrityError(err), "unexpected error: %v", err)
			assert.Zero(t, n)
			assert.Zero(t, out.Len(), "plaintext released before the failure")
		})
	}

	// A range that stops before the damaged block still decodes.
	var out bytes.Buffer
	n, err := s.Decode(&out, bytes.NewReader(tampered), int64(len(tampered)), 0, int64(9*testBlockSize))
	require.NoError(t, err)
	assert.Equal(t, int64(9*testBlockSize), n)
	assert.Equal(t, plaintext[:9*testBlockSize], out.Bytes())
}

func TestBlockCipherStream_StructuralAttacks(t *testing.T) {
	key := randomData(9, ContentKeySize)
	s := newTestStream(t, CipherAES256GCM, "file-s", key)
	rs := int(s.layout.recordSize())

	size := 3*testBlockSize + 40
	ct := encode(t, s, randomData(10, size))

	t.Run("swapped blocks", func(t *testing.T) {
		swapped := append([]byte(nil), ct...)
		copy(swapped[0:rs], ct[rs:2*rs])
		copy(swapped[rs:2*rs], ct[0:rs])
		requireRejected(t, s, swapped, size)
	})

	t.Run("dropped final block", func(t *testing.T) {
		truncated := ct[:3*rs]
		requireRejected(t, s, truncated, 3*testBlockSize)
	})

	t.Run("dropped middle block", func(t *testing.T) {
		dropped := append(append([]byte(nil), ct[:rs]...), ct[2*rs:]...)
		requireRejected(t, s, dropped, size-testBlockSize)
	})

	t.Run("truncated record", func(t *testing.T) {
		_, err := s.NewReader(bytes.NewReader(ct[:3*rs+5]), int64(3*rs+5))
		require.Error(t, err)
		assert.True(t, IsIntegrityError(err))
	})

	t.Run("other file", func(t *testing.T) {
		other := newTestStream(t, CipherAES256GCM, "file-other", key)
		requireRejected(t, other, ct, size)
	})

	t.Run("other key", func(t *testing.T) {
		other := newTestStream(t, CipherAES256GCM, "file-s", randomData(11, ContentKeySize))
		requireRejected(t, other, ct, size)
	})
}

func TestBlockCipherStream_InvalidInputs(t *testing.T) {
	key := randomData(12, ContentKeySize)
	h := NewFileEncryptionHeader(CipherAES256GCM, testBlockSize, KeyModePerUser, "f", key)

	_, err := NewBlockCipherStream(h, key[:16], testConfig().Parallel)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewBlockCipherStream(nil, key, testConfig().Parallel)
	assert.ErrorIs(t, err, ErrInvalidHeader)

	bad := *h
	bad.BlockSize = 1
	_, err = NewBlockCipherStream(&bad, key, testConfig().Parallel)
	assert.ErrorIs(t, err, ErrInvalidHeader)

	s, err := NewBlockCipherStream(h, key, testConfig().Parallel)
	require.NoError(t, err)
	_, err = s.Decode(io.Discard, bytes.NewReader(nil), 0, -1, 1)
	assert.ErrorIs(t, err, ErrNegativeOffset)
}
