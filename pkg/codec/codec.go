// Package codec opens the byte streams the vault reads and writes, applying
// compression and age encryption transparently.
//
// Write stacks are layered file -> age (when a password is set) ->
// compressor (for compressed streams). Read stacks detect each layer from
// the stream itself, so objects written with another format or before
// encryption was enabled remain readable.
package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

var (
	// ErrPasswordRequired is returned when encrypted data or an archive key file is met without a password.
	ErrPasswordRequired = errors.New("archive is encrypted but no password was configured")
	// ErrWrongPassword is returned when the key file cannot be unwrapped with the given password.
	ErrWrongPassword = errors.New("password does not unlock the archive key file")
	// ErrUnknownCompression is returned when a compressed stream has no recognised header.
	ErrUnknownCompression = errors.New("unrecognised compression header")
)

var (
	ageMagic  = []byte("age-encryption.org/")
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

const streamBufferSize = 64 * 1024

// Options configures a Codec.
type Options struct {
	// Root is the archive root holding the key file.
	Root string
	// Password enables encryption. Empty means plaintext streams.
	Password string
	Format   Format
	Level    Level
	// ScryptWorkFactor is log2(N) for wrapping the key file. Zero selects the default.
	ScryptWorkFactor int
}

// Codec opens text, binary and compressed streams.
type Codec struct {
	format    Format
	level     Level
	identity  *age.X25519Identity
	recipient age.Recipient
}

// TextWriter is a buffered stream that accepts strings.
type TextWriter interface {
	io.WriteCloser
	io.StringWriter
}

// New creates a codec. With a password set it loads or creates the archive
// key file under opts.Root.
func New(opts Options) (*Codec, error) {
	c := &Codec{format: opts.Format, level: opts.Level}
	if opts.Password == "" {
		// An archive that already has a key file must stay encrypted.
		if opts.Root != "" {
			if _, err := os.Stat(filepath.Join(opts.Root, KeyFileName)); err == nil {
				return nil, ErrPasswordRequired
			}
		}
		return c, nil
	}
	if opts.Root == "" {
		return nil, errors.New("an archive root is required when encryption is enabled")
	}
	workFactor := opts.ScryptWorkFactor
	if workFactor <= 0 {
		workFactor = DefaultScryptWorkFactor
	}
	identity, err := loadOrCreateIdentity(opts.Root, opts.Password, workFactor)
	if err != nil {
		return nil, err
	}
	c.identity = identity
	c.recipient = identity.Recipient()
	return c, nil
}

// Encrypted reports whether new streams are encrypted.
func (c *Codec) Encrypted() bool {
	return c.recipient != nil
}

// Format returns the format used for new compressed streams.
func (c *Codec) Format() Format {
	return c.format
}

// CreateText creates a buffered text stream at path, truncating any existing file.
func (c *Codec) CreateText(path string) (TextWriter, error) {
	s, err := c.create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(s.top, streamBufferSize)
	s.push(bw, flushCloser{bw})
	return &textStack{writeStack: s, bw: bw}, nil
}

// CreateBinary creates an uncompressed stream at path.
func (c *Codec) CreateBinary(path string) (io.WriteCloser, error) {
	return c.create(path)
}

// CreateCompressed creates a stream at path compressed with the codec's format.
func (c *Codec) CreateCompressed(path string) (io.WriteCloser, error) {
	s, err := c.create(path)
	if err != nil {
		return nil, err
	}

	var cw io.WriteCloser
	switch c.format {
	case Gzip:
		cw, err = pgzip.NewWriterLevel(s.top, c.level.gzip())
	case LZ4:
		zw := lz4.NewWriter(s.top)
		err = zw.Apply(lz4.CompressionLevelOption(c.level.lz4()))
		cw = zw
	default:
		cw, err = newZstdWriter(s.top, zstd.WithEncoderLevel(c.level.zstd()))
	}
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to create %s writer for %s: %w", c.format, path, err)
	}
	s.push(cw, cw)
	return s, nil
}

// newZstdWriter is swappable for tests.
var newZstdWriter = func(w io.Writer, opts ...zstd.EOption) (*zstd.Encoder, error) {
	return zstd.NewWriter(w, opts...)
}

func (c *Codec) create(path string) (*writeStack, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	s := &writeStack{file: f, top: f}
	if c.recipient != nil {
		ew, err := age.Encrypt(f, c.recipient)
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("failed to start encryption for %s: %w", path, err)
		}
		s.push(ew, ew)
	}
	return s, nil
}

// OpenText opens a text stream written by CreateText.
func (c *Codec) OpenText(path string) (io.ReadCloser, error) {
	return c.OpenBinary(path)
}

// OpenBinary opens a stream written by CreateBinary, decrypting it if needed.
func (c *Codec) OpenBinary(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := c.decryptLayer(bufio.NewReaderSize(f, streamBufferSize))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &readStack{Reader: r, closers: []io.Closer{f}}, nil
}

// OpenCompressed opens a stream written by CreateCompressed with any supported format.
func (c *Codec) OpenCompressed(path string) (io.ReadCloser, error) {
	rs, err := c.OpenBinary(path)
	if err != nil {
		return nil, err
	}
	s := rs.(*readStack)

	br := bufio.NewReaderSize(s.Reader, streamBufferSize)
	header, _ := br.Peek(4)

	switch {
	case bytes.HasPrefix(header, zstdMagic):
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
		}
		rc := dec.IOReadCloser()
		s.Reader = rc
		s.closers = append([]io.Closer{rc}, s.closers...)
	case bytes.HasPrefix(header, gzipMagic):
		gr, err := pgzip.NewReader(br)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		s.Reader = gr
		s.closers = append([]io.Closer{gr}, s.closers...)
	case bytes.HasPrefix(header, lz4Magic):
		s.Reader = lz4.NewReader(br)
	default:
		s.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownCompression)
	}
	return s, nil
}

func (c *Codec) decryptLayer(br *bufio.Reader) (io.Reader, error) {
	header, _ := br.Peek(len(ageMagic))
	if !bytes.Equal(header, ageMagic) {
		return br, nil
	}
	if c.identity == nil {
		return nil, ErrPasswordRequired
	}
	return age.Decrypt(br, c.identity)
}

// writeStack closes its layers top-down, then syncs and closes the file.
type writeStack struct {
	file    *os.File
	top     io.Writer
	closers []io.Closer
	closed  bool
}

func (s *writeStack) push(w io.Writer, closer io.Closer) {
	s.top = w
	s.closers = append([]io.Closer{closer}, s.closers...)
}

func (s *writeStack) Write(p []byte) (int, error) {
	return s.top.Write(p)
}

func (s *writeStack) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		if err := s.file.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// abort closes the file without flushing any layer and removes it.
func (s *writeStack) abort() {
	s.closed = true
	s.file.Close()
	_ = os.Remove(s.file.Name())
}

type textStack struct {
	*writeStack
	bw *bufio.Writer
}

func (t *textStack) WriteString(str string) (int, error) {
	return t.bw.WriteString(str)
}

type flushCloser struct{ bw *bufio.Writer }

func (f flushCloser) Close() error { return f.bw.Flush() }

type readStack struct {
	io.Reader
	closers []io.Closer
}

func (s *readStack) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
