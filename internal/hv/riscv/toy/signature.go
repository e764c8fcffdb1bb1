package toy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// WriteSignature writes data as hex lines of lineSize bytes. Each line
// prints its bytes most significant first; a short final line is padded
// with zero bytes.
func WriteSignature(w io.Writer, data []byte, lineSize int) error {
	if lineSize <= 0 {
		return fmt.Errorf("invalid signature granularity %d", lineSize)
	}
	bw := bufio.NewWriter(w)
	for i := 0; i < len(data); i += lineSize {
		for j := lineSize; j > 0; j-- {
			var b byte
			if i+j <= len(data) {
				b = data[i+j-1]
			}
			fmt.Fprintf(bw, "%02x", b)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// signatureTerminator dumps the signature region before passing the exit
// code on.
type signatureTerminator struct {
	bus        *Bus
	begin, end uint64
	path       string
	lineSize   int
	inner      Terminator
}

func (s *signatureTerminator) Terminate(code int) {
	if err := s.dump(); err != nil {
		slog.Error("toy: writing signature failed", "path", s.path, "err", err)
	}
	if s.inner != nil {
		s.inner.Terminate(code)
	}
}

func (s *signatureTerminator) dump() error {
	data, err := s.bus.ReadBytes(s.begin, s.end-s.begin)
	if err != nil {
		return err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	if err := WriteSignature(f, data, s.lineSize); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
