package reconcile

import (
	"errors"
	"fmt"
	"io"
)

// sizedReader yields exactly size bytes of r and fails with ErrSizeMismatch
// when r ends early or holds more than size bytes.
type sizedReader struct {
	r         io.Reader
	remaining int64
	probed    bool
	err       error
}

func newSizedReader(r io.Reader, size int64) *sizedReader {
	return &sizedReader{r: r, remaining: size}
}

func (s *sizedReader) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.remaining == 0 {
		if err := s.probe(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if s.remaining > 0 {
			s.err = fmt.Errorf("%w: body ended %d bytes short", ErrSizeMismatch, s.remaining)
			return n, s.err
		}
		s.probed = true
		return n, io.EOF
	}
	if err != nil {
		s.err = err
	}
	return n, err
}

// probe checks that nothing follows the declared length.
func (s *sizedReader) probe() error {
	if s.probed {
		return s.err
	}
	s.probed = true
	var one [1]byte
	n, err := io.ReadFull(s.r, one[:])
	if n > 0 {
		s.err = fmt.Errorf("%w: body longer than declared", ErrSizeMismatch)
		return s.err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
		return err
	}
	return nil
}

// finish reports whether the whole declared body was consumed and nothing followed it.
func (s *sizedReader) finish() error {
	if s.err != nil {
		return s.err
	}
	if s.remaining > 0 {
		return fmt.Errorf("%w: %d bytes not sent", ErrSizeMismatch, s.remaining)
	}
	return s.probe()
}
