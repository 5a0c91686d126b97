package codec

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

const testWorkFactor = 10

func readAll(t *testing.T, rc io.ReadCloser, err error) []byte {
	t.Helper()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

func writeAll(t *testing.T, wc io.WriteCloser, err error, data []byte) {
	t.Helper()
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := wc.Write(data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 2000)

	for _, password := range []string{"", "correct horse battery staple"} {
		for _, format := range []Format{Zstd, Gzip, LZ4} {
			name := format.String()
			if password != "" {
				name += "/encrypted"
			}
			t.Run(name, func(t *testing.T) {
				root := t.TempDir()
				c, err := New(Options{Root: root, Password: password, Format: format, Level: Better, ScryptWorkFactor: testWorkFactor})
				if err != nil {
					t.Fatalf("New failed: %v", err)
				}
				path := filepath.Join(root, "object.z")

				wc, err := c.CreateCompressed(path)
				writeAll(t, wc, err, payload)

				raw, err := os.ReadFile(path)
				if err != nil {
					t.Fatal(err)
				}
				if len(raw) >= len(payload) && password == "" {
					t.Errorf("compressed size %d not smaller than input %d", len(raw), len(payload))
				}
				if password != "" && !bytes.HasPrefix(raw, ageMagic) {
					t.Error("expected an age header on an encrypted stream")
				}

				rc, err := c.OpenCompressed(path)
				if got := readAll(t, rc, err); !bytes.Equal(got, payload) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
				}
			})
		}
	}
}

func TestOpenCompressedDetectsFormat(t *testing.T) {
	root := t.TempDir()
	writer, err := New(Options{Format: LZ4})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "legacy.z")
	wc, err := writer.CreateCompressed(path)
	writeAll(t, wc, err, []byte("written as lz4"))

	reader, err := New(Options{Format: Zstd})
	if err != nil {
		t.Fatal(err)
	}
	rc, err := reader.OpenCompressed(path)
	if got := string(readAll(t, rc, err)); got != "written as lz4" {
		t.Errorf("got %q", got)
	}
}

func TestOpenCompressedRejectsPlainData(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "plain")
	if err := os.WriteFile(path, []byte("not compressed"), 0644); err != nil {
		t.Fatal(err)
	}
	c, _ := New(Options{})
	if _, err := c.OpenCompressed(path); !errors.Is(err, ErrUnknownCompression) {
		t.Errorf("expected ErrUnknownCompression, got %v", err)
	}
}

func TestTextStream(t *testing.T) {
	root := t.TempDir()
	c, err := New(Options{Root: root, Password: "pw", ScryptWorkFactor: testWorkFactor})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "run.lst")
	tw, err := c.CreateText(path)
	if err != nil {
		t.Fatal(err)
	}
	tw.WriteString("abc\t1\t/data/a.txt\n")
	tw.WriteString("error\t0\t/data/b.txt\n")
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	rc, err := c.OpenText(path)
	got := string(readAll(t, rc, err))
	if got != "abc\t1\t/data/a.txt\nerror\t0\t/data/b.txt\n" {
		t.Errorf("unexpected text content %q", got)
	}
}

func TestKeyFile(t *testing.T) {
	root := t.TempDir()
	c1, err := New(Options{Root: root, Password: "secret", ScryptWorkFactor: testWorkFactor})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !c1.Encrypted() {
		t.Fatal("expected codec to be encrypted")
	}
	if _, err := os.Stat(filepath.Join(root, KeyFileName)); err != nil {
		t.Fatalf("key file not created: %v", err)
	}

	path := filepath.Join(root, "blob")
	wc, err := c1.CreateBinary(path)
	writeAll(t, wc, err, []byte("sealed"))

	t.Run("Same password reopens the identity", func(t *testing.T) {
		c2, err := New(Options{Root: root, Password: "secret", ScryptWorkFactor: testWorkFactor})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		rc, err := c2.OpenBinary(path)
		if got := string(readAll(t, rc, err)); got != "sealed" {
			t.Errorf("got %q, want sealed", got)
		}
	})

	t.Run("Wrong password is rejected", func(t *testing.T) {
		_, err := New(Options{Root: root, Password: "guess", ScryptWorkFactor: testWorkFactor})
		if !errors.Is(err, ErrWrongPassword) {
			t.Errorf("expected ErrWrongPassword, got %v", err)
		}
	})

	t.Run("No password cannot read encrypted streams", func(t *testing.T) {
		plain, _ := New(Options{})
		_, err := plain.OpenBinary(path)
		if !errors.Is(err, ErrPasswordRequired) {
			t.Errorf("expected ErrPasswordRequired, got %v", err)
		}
	})

	t.Run("No password for an encrypted root is rejected", func(t *testing.T) {
		if _, err := New(Options{Root: root}); !errors.Is(err, ErrPasswordRequired) {
			t.Errorf("expected ErrPasswordRequired, got %v", err)
		}
	})
}

func TestParseFormatAndLevel(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != Zstd {
		t.Errorf("ParseFormat(\"\") = %v, %v; want zstd", f, err)
	}
	if _, err := ParseFormat("zip"); err == nil || !strings.Contains(err.Error(), "zip") {
		t.Errorf("expected error naming the invalid format, got %v", err)
	}
	var l Level
	if err := l.UnmarshalText([]byte("best")); err != nil || l != Best {
		t.Errorf("UnmarshalText(best) = %v, %v", l, err)
	}
	if err := l.UnmarshalText([]byte("extreme")); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestCreateCompressedCleansUpOnWriterFailure(t *testing.T) {
	orig := newZstdWriter
	newZstdWriter = func(w io.Writer, opts ...zstd.EOption) (*zstd.Encoder, error) {
		return nil, errors.New("encoder unavailable")
	}
	t.Cleanup(func() { newZstdWriter = orig })

	c, err := New(Options{Format: Zstd})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "object.part")
	if _, err := c.CreateCompressed(path); err == nil {
		t.Fatal("expected CreateCompressed to fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind after a failed create: %v", err)
	}
}
