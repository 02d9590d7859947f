package cachectl

import (
	"bytes"
	"io"
)

// teeBody copies a response body as the caller reads it and hands the copy to
// onEOF once the body has been read to the end. Bodies over limit are passed
// through without a copy.
type teeBody struct {
	rc       io.ReadCloser
	buf      bytes.Buffer
	limit    int64
	overflow bool
	finished bool
	onEOF    func(body []byte)
}

func newTeeBody(rc io.ReadCloser, limit int64, onEOF func([]byte)) *teeBody {
	return &teeBody{rc: rc, limit: limit, onEOF: onEOF}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && !t.overflow {
		if t.limit > 0 && int64(t.buf.Len()+n) > t.limit {
			t.overflow = true
			t.buf = bytes.Buffer{}
		} else {
			t.buf.Write(p[:n])
		}
	}
	if err == io.EOF && !t.finished {
		t.finished = true
		if !t.overflow {
			t.onEOF(bytes.Clone(t.buf.Bytes()))
		}
	}
	return n, err
}

func (t *teeBody) Close() error {
	return t.rc.Close()
}
