package chest

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
)

// Lob compression and encryption scheme names, persisted in the lob's
// record.
const (
	CompressionZlib = "zlib"
	CompressionXZ   = "xz"
	EncryptionAES   = "aes-cbc"
)

// Lob is a large binary or text value stored and streamed separately from
// normal attribute values. A lob accumulates one or more physical segments;
// GetOutputStream with Append adds a segment per commit, and GetInputStream
// transparently concatenates them. Segments are compressed and encrypted
// independently so appending never rewrites earlier data.
type Lob struct {
	item    *Item
	attr    string
	rec     LobRecord
	pending [][]byte
	key     []byte

	// committed segment count before a non-append rewrite; segments past
	// the new count up to here are deleted with the next commit batch
	obsolete int
}

// LobOptions configures a lob output stream.
type LobOptions struct {
	Compression string // CompressionZlib, CompressionXZ or empty
	Encryption  string // EncryptionAES or empty
	Key         []byte // required when Encryption is set
	IV          []byte // optional; random when omitted
	Append      bool   // keep existing segments, add a new one
}

// NewLob creates a fresh lob value under the given attribute.
func (it *Item) NewLob(attr, mime string) (*Lob, error) {
	l := &Lob{
		item: it,
		attr: attr,
		rec:  LobRecord{ID: newUUID(), Mime: mime},
	}
	if err := it.SetAttribute(attr, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Lob) ID() uuid.UUID       { return l.rec.ID }
func (l *Lob) Mime() string        { return l.rec.Mime }
func (l *Lob) Segments() int       { return l.rec.Segments }
func (l *Lob) Compression() string { return l.rec.Compression }
func (l *Lob) Encrypted() bool     { return l.rec.Encryption != "" }

// SetKey supplies the decryption key for a lob loaded from storage. Keys
// are never persisted.
func (l *Lob) SetKey(key []byte) { l.key = bytes.Clone(key) }

// GetOutputStream opens a write-once stream. Closing the stream seals one
// physical segment; the segment reaches the store on the owning view's next
// commit. Without Append any existing segments are discarded first.
func (l *Lob) GetOutputStream(opts LobOptions) (io.WriteCloser, error) {
	if err := l.item.checkWritable(); err != nil {
		return nil, err
	}
	if opts.Encryption != "" && opts.Encryption != EncryptionAES {
		return nil, itemErrf(l.item, l.attr, ErrValueType, "unknown encryption %q", opts.Encryption)
	}
	switch opts.Compression {
	case "", CompressionZlib, CompressionXZ:
	default:
		return nil, itemErrf(l.item, l.attr, ErrValueType, "unknown compression %q", opts.Compression)
	}
	if opts.Append && l.rec.Segments > 0 {
		if l.rec.Compression != opts.Compression || l.rec.Encryption != opts.Encryption {
			return nil, itemErrf(l.item, l.attr, ErrValueType, "append must match existing scheme %q/%q",
				l.rec.Compression, l.rec.Encryption)
		}
	}
	if !opts.Append {
		if committed := l.rec.Segments - len(l.pending); committed > l.obsolete {
			l.obsolete = committed
		}
		l.rec.Segments = 0
		l.pending = nil
	}
	if opts.Encryption != "" {
		if len(opts.Key) != 16 && len(opts.Key) != 24 && len(opts.Key) != 32 {
			return nil, itemErrf(l.item, l.attr, ErrValueType, "bad key length %d", len(opts.Key))
		}
		l.key = bytes.Clone(opts.Key)
		if l.rec.Segments == 0 && len(l.pending) == 0 {
			iv := opts.IV
			if iv == nil {
				iv = make([]byte, aes.BlockSize)
				if _, err := rand.Read(iv); err != nil {
					return nil, fmt.Errorf("lob iv: %w", err)
				}
			} else if len(iv) != aes.BlockSize {
				return nil, itemErrf(l.item, l.attr, ErrValueType, "bad iv length %d", len(iv))
			}
			l.rec.IV = bytes.Clone(iv)
		}
	}
	l.rec.Compression = opts.Compression
	l.rec.Encryption = opts.Encryption
	return &lobWriter{lob: l}, nil
}

// GetInputStream opens a reader over the lob's full logical content,
// concatenating committed and pending segments. Encrypted lobs need the key
// supplied via GetOutputStream in this session or SetKey.
func (l *Lob) GetInputStream() (io.ReadCloser, error) {
	if err := l.item.checkReadable(); err != nil {
		return nil, err
	}
	if l.rec.Encryption != "" && l.key == nil {
		return nil, itemErrf(l.item, l.attr, ErrValueType, "encrypted lob needs a key")
	}
	return &lobReader{lob: l}, nil
}

// pendingWrites lists the sealed-but-uncommitted segments for the commit
// batch, plus nil-data deletions for segments a rewrite made unreachable.
// The view clears them once the batch is durable.
func (l *Lob) pendingWrites() []LobWrite {
	committed := l.rec.Segments - len(l.pending)
	var out []LobWrite
	for i, data := range l.pending {
		out = append(out, LobWrite{ID: l.rec.ID, Seg: committed + i, Data: data})
	}
	for seg := l.rec.Segments; seg < l.obsolete; seg++ {
		out = append(out, LobWrite{ID: l.rec.ID, Seg: seg})
	}
	return out
}

func (l *Lob) discardPending() {
	l.rec.Segments -= len(l.pending)
	l.pending = nil
	l.obsolete = 0
}

// segmentIV derives the per-segment CBC IV from the lob's base IV so that
// independent segments never share one.
func (l *Lob) segmentIV(seg int) []byte {
	iv := bytes.Clone(l.rec.IV)
	for i := 0; i < 4; i++ {
		iv[len(iv)-1-i] ^= byte(seg >> (8 * i))
	}
	return iv
}

type lobWriter struct {
	lob    *Lob
	buf    bytes.Buffer
	closed bool
}

func (w *lobWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("lob %v: write after close", w.lob.rec.ID)
	}
	return w.buf.Write(p)
}

func (w *lobWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	l := w.lob
	data, err := sealSegment(l, w.buf.Bytes(), l.rec.Segments)
	if err != nil {
		return err
	}
	l.pending = append(l.pending, data)
	l.rec.Segments++
	l.item.markDirty()
	return nil
}

func sealSegment(l *Lob, raw []byte, seg int) ([]byte, error) {
	data := raw
	switch l.rec.Compression {
	case CompressionZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("lob %v: zlib: %w", l.rec.ID, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("lob %v: zlib: %w", l.rec.ID, err)
		}
		data = buf.Bytes()
	case CompressionXZ:
		var buf bytes.Buffer
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("lob %v: xz: %w", l.rec.ID, err)
		}
		if _, err := xw.Write(data); err != nil {
			return nil, fmt.Errorf("lob %v: xz: %w", l.rec.ID, err)
		}
		if err := xw.Close(); err != nil {
			return nil, fmt.Errorf("lob %v: xz: %w", l.rec.ID, err)
		}
		data = buf.Bytes()
	}
	if l.rec.Encryption == EncryptionAES {
		block, err := aes.NewCipher(l.key)
		if err != nil {
			return nil, fmt.Errorf("lob %v: %w", l.rec.ID, err)
		}
		padded := padPKCS7(data, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, l.segmentIV(seg)).CryptBlocks(out, padded)
		data = out
	}
	return data, nil
}

func openSegment(l *Lob, data []byte, seg int) ([]byte, error) {
	if l.rec.Encryption == EncryptionAES {
		block, err := aes.NewCipher(l.key)
		if err != nil {
			return nil, fmt.Errorf("lob %v: %w", l.rec.ID, err)
		}
		if len(data)%aes.BlockSize != 0 || len(data) == 0 {
			return nil, corruptErrf(l.item.id, l.item.version, nil, "lob %v segment %d not block-aligned", l.rec.ID, seg)
		}
		out := make([]byte, len(data))
		cipher.NewCBCDecrypter(block, l.segmentIV(seg)).CryptBlocks(out, data)
		data, err = unpadPKCS7(out, aes.BlockSize)
		if err != nil {
			return nil, corruptErrf(l.item.id, l.item.version, err, "lob %v segment %d", l.rec.ID, seg)
		}
	}
	switch l.rec.Compression {
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, corruptErrf(l.item.id, l.item.version, err, "lob %v segment %d", l.rec.ID, seg)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, corruptErrf(l.item.id, l.item.version, err, "lob %v segment %d", l.rec.ID, seg)
		}
	case CompressionXZ:
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, corruptErrf(l.item.id, l.item.version, err, "lob %v segment %d", l.rec.ID, seg)
		}
		if data, err = io.ReadAll(xr); err != nil {
			return nil, corruptErrf(l.item.id, l.item.version, err, "lob %v segment %d", l.rec.ID, seg)
		}
	}
	return data, nil
}

type lobReader struct {
	lob *Lob
	seg int
	cur *bytes.Reader
}

func (r *lobReader) Read(p []byte) (int, error) {
	for r.cur == nil || r.cur.Len() == 0 {
		if r.seg >= r.lob.rec.Segments {
			return 0, io.EOF
		}
		l := r.lob
		committed := l.rec.Segments - len(l.pending)
		var raw []byte
		var err error
		if r.seg < committed {
			raw, err = l.item.view.lobSegment(l.rec.ID, r.seg)
		} else {
			raw = l.pending[r.seg-committed]
		}
		if err != nil {
			return 0, err
		}
		data, err := openSegment(l, raw, r.seg)
		if err != nil {
			return 0, err
		}
		r.cur = bytes.NewReader(data)
		r.seg++
	}
	return r.cur.Read(p)
}

func (r *lobReader) Close() error { return nil }

func padPKCS7(data []byte, size int) []byte {
	n := size - len(data)%size
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpadPKCS7(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("bad padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
