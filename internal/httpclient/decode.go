package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// decodeBody replaces a compressed body with its decoded form. Encodings
// it does not know are passed through untouched.
func decodeBody(resp *http.Response) error {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}

	var (
		reader io.Reader
		closer func()
	)
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decode gzip: %w", err)
		}
		reader, closer = zr, func() { zr.Close() }
	case "deflate":
		fr := flate.NewReader(resp.Body)
		reader, closer = fr, func() { fr.Close() }
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decode zstd: %w", err)
		}
		reader, closer = dec, dec.Close
	default:
		return nil
	}

	resp.Body = &decodedBody{Reader: reader, body: resp.Body, release: closer}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

type decodedBody struct {
	io.Reader
	body    io.Closer
	release func()
}

func (d *decodedBody) Close() error {
	if d.release != nil {
		d.release()
	}
	return d.body.Close()
}
