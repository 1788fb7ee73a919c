package chest

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func compressiblePayload() []byte {
	return bytes.Repeat([]byte("the chest holds the same phrase over and over. "), 512)
}

func writeLob(t *testing.T, l *Lob, opts LobOptions, data []byte) {
	t.Helper()
	w, err := l.GetOutputStream(opts)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readLob(t *testing.T, l *Lob) []byte {
	t.Helper()
	rd, err := l.GetInputStream()
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	return data
}

func TestLobCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chest.db")
	r, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)

	payload := compressiblePayload()
	v, err := r.NewView("writer")
	require.NoError(t, err)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "text/plain")
	require.NoError(t, err)
	writeLob(t, l, LobOptions{Compression: CompressionZlib}, payload)

	// readable before commit, straight from the pending segment
	require.Equal(t, payload, readLob(t, l))
	require.NoError(t, v.Commit())
	require.NoError(t, v.Close())

	// the stored segment is the compressed form
	seg, err := r.Store().LobSegment(l.ID(), 0)
	require.NoError(t, err)
	require.Less(t, len(seg), len(payload))
	require.NoError(t, r.Close())

	r2, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	defer r2.Close()
	require.NoError(t, r2.Read(func(v *View) error {
		gig, err := v.Find("//data/Gig")
		require.NoError(t, err)
		got, err := gig.GetAttribute("content")
		require.NoError(t, err)
		l2, ok := got.(*Lob)
		require.True(t, ok)
		require.Equal(t, "text/plain", l2.Mime())
		require.Equal(t, CompressionZlib, l2.Compression())
		require.Equal(t, payload, readLob(t, l2))
		return nil
	}))
}

func TestLobXZRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "text/plain")
	require.NoError(t, err)

	payload := compressiblePayload()
	writeLob(t, l, LobOptions{Compression: CompressionXZ}, payload)
	require.NoError(t, v.Commit())

	seg, err := r.Store().LobSegment(l.ID(), 0)
	require.NoError(t, err)
	require.Less(t, len(seg), len(payload))
	require.Equal(t, payload, readLob(t, l))
}

func TestLobEncrypted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chest.db")
	r, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)

	key := bytes.Repeat([]byte{7}, 32)
	payload := compressiblePayload()

	v, err := r.NewView("writer")
	require.NoError(t, err)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "application/octet-stream")
	require.NoError(t, err)
	writeLob(t, l, LobOptions{Compression: CompressionZlib, Encryption: EncryptionAES, Key: key}, payload)
	require.NoError(t, v.Commit())
	require.NoError(t, v.Close())

	// ciphertext on disk must not contain the plaintext phrase
	seg, err := r.Store().LobSegment(l.ID(), 0)
	require.NoError(t, err)
	require.NotContains(t, string(seg), "chest")
	require.NoError(t, r.Close())

	r2, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	defer r2.Close()
	require.NoError(t, r2.Read(func(v *View) error {
		gig, err := v.Find("//data/Gig")
		require.NoError(t, err)
		got, err := gig.GetAttribute("content")
		require.NoError(t, err)
		l2 := got.(*Lob)
		require.True(t, l2.Encrypted())

		// keys are never persisted
		_, err = l2.GetInputStream()
		require.Error(t, err)

		l2.SetKey(key)
		require.Equal(t, payload, readLob(t, l2))
		return nil
	}))
}

func TestLobAppendSegments(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "text/plain")
	require.NoError(t, err)

	writeLob(t, l, LobOptions{}, []byte("hello "))
	require.NoError(t, v.Commit())
	writeLob(t, l, LobOptions{Append: true}, []byte("world"))
	require.NoError(t, v.Commit())

	require.Equal(t, 2, l.Segments())
	require.Equal(t, []byte("hello world"), readLob(t, l))

	require.NoError(t, r.Read(func(v2 *View) error {
		gig, err := v2.Find(gig.UUID())
		require.NoError(t, err)
		got, err := gig.GetAttribute("content")
		require.NoError(t, err)
		require.Equal(t, []byte("hello world"), readLob(t, got.(*Lob)))
		return nil
	}))
}

func TestLobEncryptedAppend(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "text/plain")
	require.NoError(t, err)

	key := bytes.Repeat([]byte{3}, 16)
	writeLob(t, l, LobOptions{Encryption: EncryptionAES, Key: key}, []byte("one "))
	require.NoError(t, v.Commit())
	writeLob(t, l, LobOptions{Encryption: EncryptionAES, Key: key, Append: true}, []byte("two "))
	require.NoError(t, v.Commit())
	writeLob(t, l, LobOptions{Encryption: EncryptionAES, Key: key, Append: true}, []byte("three"))
	require.NoError(t, v.Commit())

	require.Equal(t, 3, l.Segments())
	require.Equal(t, []byte("one two three"), readLob(t, l))
}

func TestLobRewriteReplacesContent(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "text/plain")
	require.NoError(t, err)

	writeLob(t, l, LobOptions{}, []byte("first"))
	require.NoError(t, v.Commit())

	// a non-append stream discards the previous segments
	writeLob(t, l, LobOptions{}, []byte("second"))
	require.NoError(t, v.Commit())
	require.Equal(t, 1, l.Segments())
	require.Equal(t, []byte("second"), readLob(t, l))
}

func TestLobRewriteDropsOldSegments(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "text/plain")
	require.NoError(t, err)

	writeLob(t, l, LobOptions{}, []byte("one "))
	require.NoError(t, v.Commit())
	writeLob(t, l, LobOptions{Append: true}, []byte("two "))
	require.NoError(t, v.Commit())
	writeLob(t, l, LobOptions{Append: true}, []byte("three"))
	require.NoError(t, v.Commit())
	require.Equal(t, 3, l.Segments())

	writeLob(t, l, LobOptions{}, []byte("fresh"))
	require.NoError(t, v.Commit())
	require.Equal(t, 1, l.Segments())
	require.Equal(t, []byte("fresh"), readLob(t, l))

	// the rewrite reclaimed the unreachable trailing segments
	st := r.Store()
	_, err = st.LobSegment(l.ID(), 1)
	require.ErrorIs(t, err, ErrNotFoundAtVersion)
	_, err = st.LobSegment(l.ID(), 2)
	require.ErrorIs(t, err, ErrNotFoundAtVersion)
	seg0, err := st.LobSegment(l.ID(), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), seg0)
}

func TestLobOptionValidation(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	folder, movie, _ := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	l, err := gig.NewLob("content", "text/plain")
	require.NoError(t, err)

	_, err = l.GetOutputStream(LobOptions{Compression: "brotli"})
	require.ErrorIs(t, err, ErrValueType)
	_, err = l.GetOutputStream(LobOptions{Encryption: "des"})
	require.ErrorIs(t, err, ErrValueType)
	_, err = l.GetOutputStream(LobOptions{Encryption: EncryptionAES, Key: []byte("short")})
	require.ErrorIs(t, err, ErrValueType)

	writeLob(t, l, LobOptions{Compression: CompressionZlib}, []byte("x"))
	require.NoError(t, v.Commit())
	_, err = l.GetOutputStream(LobOptions{Compression: CompressionXZ, Append: true})
	require.ErrorIs(t, err, ErrValueType)
}

func TestLobFileStore(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenDir(dir, Options{})
	require.NoError(t, err)

	payload := compressiblePayload()
	require.NoError(t, r.Write(func(v *View) error {
		folder, movie, _ := installTestSchema(t, v)
		data := newItem(t, folder, "data", nil)
		gig := newItem(t, movie, "Gig", data)
		l, err := gig.NewLob("content", "text/plain")
		require.NoError(t, err)
		writeLob(t, l, LobOptions{Compression: CompressionZlib}, payload)
		return nil
	}))
	require.NoError(t, r.Close())

	r2, err := OpenDir(dir, Options{})
	require.NoError(t, err)
	defer r2.Close()
	require.NoError(t, r2.Read(func(v *View) error {
		gig, err := v.Find("//data/Gig")
		require.NoError(t, err)
		got, err := gig.GetAttribute("content")
		require.NoError(t, err)
		require.Equal(t, payload, readLob(t, got.(*Lob)))
		return nil
	}))
}
