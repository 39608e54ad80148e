package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDownloadDetectsHTMLDisguise(t *testing.T) {
	page := []byte("<!DOCTYPE html><html><head><title>Rate limit exceeded</title></head><body>slow down</body></html>")
	p := writeTemp(t, "core.tar.gz.tmp", page)

	res := New(Limits{}).ValidateDownload(p, "https://cdn.example.com/core.tar.gz", 0, "")
	require.False(t, res.OK)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindHTMLErrorPage, res.Err.Kind)
	assert.Contains(t, res.Err.Preview, "<!DOCTYPE html>")
	assert.ErrorIs(t, res.Err, ErrValidation)
}

func TestValidateDownloadEmptyFile(t *testing.T) {
	p := writeTemp(t, "core.tar.gz.tmp", nil)
	res := New(Limits{}).ValidateDownload(p, "https://cdn.example.com/core.tar.gz", 100, "")
	require.NotNil(t, res.Err)
	assert.Equal(t, KindEmptyFile, res.Err.Kind)
}

func TestValidateDownloadTooSmall(t *testing.T) {
	p := writeTemp(t, "core.tar.gz.tmp", gzipBytes(t, []byte("tiny")))
	res := New(Limits{}).ValidateDownload(p, "https://cdn.example.com/core.tar.gz", 10_000_000, "")
	require.NotNil(t, res.Err)
	assert.Equal(t, KindTooSmall, res.Err.Kind)
}

func TestValidateDownloadMagicMismatch(t *testing.T) {
	p := writeTemp(t, "core.tar.gz.tmp", zipBytes(t, map[string]string{"model.onnx": "weights"}))
	res := New(Limits{}).ValidateDownload(p, "https://cdn.example.com/core.tar.gz?download=1", 0, "")
	require.NotNil(t, res.Err)
	assert.Equal(t, KindContentTypeMismatch, res.Err.Kind)
	assert.Equal(t, "1f 8b", res.Err.Expected)
	assert.Contains(t, res.Err.Observed, "50 4b")
}

func TestValidateDownloadInvalidMagic(t *testing.T) {
	p := writeTemp(t, "core.zip.tmp", []byte("\x00\x01\x02 definitely not an archive"))
	res := New(Limits{}).ValidateDownload(p, "https://cdn.example.com/core.zip", 0, "")
	require.NotNil(t, res.Err)
	assert.Equal(t, KindInvalidMagic, res.Err.Kind)
	assert.Equal(t, "50 4b", res.Err.Expected)
}

func TestValidateDownloadChecksum(t *testing.T) {
	data := tarGz(t, file("model.onnx", "weights"))
	sum := sha256.Sum256(data)
	good := hex.EncodeToString(sum[:])
	p := writeTemp(t, "core.tar.gz.tmp", data)
	v := New(Limits{})

	res := v.ValidateDownload(p, "https://cdn.example.com/core.tar.gz", int64(len(data)), good)
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, FormatTarGz, res.Format)
	assert.Equal(t, good, res.SHA256)

	bad := v.ValidateDownload(p, "https://cdn.example.com/core.tar.gz", int64(len(data)), "00"+good[2:])
	require.NotNil(t, bad.Err)
	assert.Equal(t, KindChecksumMismatch, bad.Err.Kind)
	assert.Equal(t, good, bad.Err.Observed)
}

func TestValidateDownloadRawPayload(t *testing.T) {
	p := writeTemp(t, "voice.download.tmp", []byte(`{"speaker": 3}`))
	res := New(Limits{}).ValidateDownload(p, "https://cdn.example.com/voices/amy.json", 0, "")
	require.True(t, res.OK)
	assert.Equal(t, FormatRaw, res.Format)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, FormatTarGz, FormatFromURL("https://h/a/core.TGZ?x=1"))
	assert.Equal(t, FormatTarBz2, FormatFromURL("https://h/core.tar.bz2"))
	assert.Equal(t, FormatZip, FormatFromURL("s3://bucket/core.zip"))
	assert.Equal(t, FormatRaw, FormatFromURL("https://h/model.onnx"))

	assert.Equal(t, "tgz", TempExtension("https://h/core.tgz"))
	assert.Equal(t, "tar.bz2", TempExtension("https://h/core.tar.bz2#frag"))
	assert.Equal(t, "download", TempExtension("https://h/model.onnx"))
	assert.Equal(t, "model.onnx", PayloadName("https://h/v/model.onnx?sig=abc"))

	assert.Equal(t, FormatTarBz2, FormatFromMagic([]byte("BZh91AY")))
	assert.Equal(t, FormatUnknown, FormatFromMagic([]byte("hello")))
}
