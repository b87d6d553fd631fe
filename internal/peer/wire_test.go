package peer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/sruth/internal/data"
)

func testInfo(t *testing.T, path string, size int64) data.FileInfo {
	t.Helper()
	ap, err := data.NewArchivePath(path)
	require.NoError(t, err)
	return data.NewFileInfo(data.FileID{Path: ap, Time: 12345}, size)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hs := Handshake{
		Nonce:  "nonce-1",
		Server: ServerAddress{Host: "10.0.0.1", Port: 3880},
		Stream: StreamRequest,
		Filter: data.Everything,
	}
	require.NoError(t, WriteFrame(&buf, hs))

	var got Handshake
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, hs.Nonce, got.Nonce)
	assert.Equal(t, hs.Server, got.Server)
	assert.Equal(t, hs.Stream, got.Stream)
	assert.True(t, hs.Filter.Equal(got.Filter))
	assert.True(t, got.Valid())
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var got Handshake
	assert.Error(t, ReadFrame(&buf, &got))
}

func TestNoticeRoundTrip(t *testing.T) {
	info := testInfo(t, "a/b", 300000)
	set := data.NewFilePieceSpecSet(info)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, AdditionNotice(set)))

	var got Notice
	require.NoError(t, ReadFrame(&buf, &got))
	require.True(t, got.Valid())
	assert.Equal(t, set.Len(), got.Add.Len())

	buf.Reset()
	ids := []data.FileID{info.ID, {Path: "other", Time: 9}}
	require.NoError(t, WriteFrame(&buf, RemovedFilesNotice(ids)))
	require.NoError(t, ReadFrame(&buf, &got))
	require.True(t, got.Valid())
	assert.ElementsMatch(t, ids, got.Removed)
}

func TestPieceMessageRoundTrip(t *testing.T) {
	info := testInfo(t, "f", 10)
	msg := PieceMessage{Info: info, Index: 0, Data: []byte("0123456789")}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))
	var got PieceMessage
	require.NoError(t, ReadFrame(&buf, &got))

	piece, err := got.Piece()
	require.NoError(t, err)
	assert.Equal(t, msg.Data, piece.Data)
	assert.Equal(t, info, piece.Spec.Info)
}

func TestPieceMessageValidation(t *testing.T) {
	info := testInfo(t, "f", 10)

	// Wrong byte length.
	_, err := PieceMessage{Info: info, Index: 0, Data: []byte("short")}.Piece()
	assert.Error(t, err)

	// Index out of range.
	_, err = PieceMessage{Info: info, Index: 5, Data: []byte("0123456789")}.Piece()
	assert.Error(t, err)

	// Escaping path is a protocol error.
	bad := info
	bad.ID.Path = "../../etc/passwd"
	_, err = PieceMessage{Info: bad, Index: 0, Data: []byte("0123456789")}.Piece()
	assert.Error(t, err)
}

func TestParseServerAddress(t *testing.T) {
	addr, err := ParseServerAddress("example.com:3880")
	require.NoError(t, err)
	assert.Equal(t, "example.com", addr.Host)
	assert.Equal(t, int64(3880), addr.Port)
	assert.Equal(t, "example.com:3881", addr.StreamAddr(StreamRequest))

	_, err = ParseServerAddress("no-port")
	assert.Error(t, err)
	_, err = ParseServerAddress("host:0")
	assert.Error(t, err)
}
