package lirc_relay

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func readAllLines(t *testing.T, lf *lineFramer, r io.Reader) (lines []string, err error) {
	for {
		var line []byte
		line, err = lf.readLine(r)
		if err != nil {
			return
		}
		lines = append(lines, string(line))
	}
}

func TestFramerSplitsLines(t *testing.T) {
	lf := newLineFramer(64)

	lines, err := readAllLines(t, lf, strings.NewReader("LIST\nVERSION\nSEND_ONCE tv power 1\n"))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean EOF, got %v", err)
	}

	expected := []string{"LIST\n", "VERSION\n", "SEND_ONCE tv power 1\n"}
	if len(lines) != len(expected) {
		t.Fatalf("got %d lines, want %d", len(lines), len(expected))
	}
	for i := range expected {
		if lines[i] != expected[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], expected[i])
		}
	}
}

func TestFramerOneByteReads(t *testing.T) {
	input := "SEND_ONCE living_room power 1\nLIST\n"

	whole, err := readAllLines(t, newLineFramer(64), strings.NewReader(input))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("unexpected error: %v", err)
	}

	trickled, err := readAllLines(t, newLineFramer(64), iotest.OneByteReader(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Join(whole, "|") != strings.Join(trickled, "|") {
		t.Errorf("byte-at-a-time framing differs: %q vs %q", trickled, whole)
	}
}

func TestFramerIncomplete(t *testing.T) {
	lf := newLineFramer(64)

	if _, err := lf.fill(strings.NewReader("LIS")); err != nil {
		t.Fatal(err)
	}
	if _, ok := lf.nextLine(); ok {
		t.Fatal("line returned before newline arrived")
	}
	if lf.pending() != 3 {
		t.Errorf("pending %d, want 3", lf.pending())
	}

	if _, err := lf.fill(strings.NewReader("T\n")); err != nil {
		t.Fatal(err)
	}
	line, ok := lf.nextLine()
	if !ok || string(line) != "LIST\n" {
		t.Fatalf("got %q %v", line, ok)
	}
}

func TestFramerTruncatedRequest(t *testing.T) {
	lf := newLineFramer(64)

	_, err := readAllLines(t, lf, strings.NewReader("LIST\nVERS"))
	if !errors.Is(err, ErrTruncatedRequest) {
		t.Fatalf("expected truncated request, got %v", err)
	}
}

func TestFramerRequestTooLong(t *testing.T) {
	lf := newLineFramer(16)

	_, err := lf.readLine(strings.NewReader(strings.Repeat("x", 40) + "\n"))
	if !errors.Is(err, ErrRequestTooLong) {
		t.Fatalf("expected request too long, got %v", err)
	}
}

func TestFramerExactCapacity(t *testing.T) {
	lf := newLineFramer(16)

	input := strings.Repeat("x", 15) + "\n"
	line, err := lf.readLine(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != input {
		t.Errorf("got %q", line)
	}
}

func TestFramerCompactsConsumedLines(t *testing.T) {
	lf := newLineFramer(16)

	// far more data than the buffer holds, but every line fits
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("LIST tv\n")
	}

	lines, err := readAllLines(t, lf, iotest.HalfReader(strings.NewReader(sb.String())))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 50 {
		t.Errorf("got %d lines", len(lines))
	}
}

func TestFramerClientError(t *testing.T) {
	lf := newLineFramer(16)

	_, err := lf.fill(iotest.ErrReader(errors.New("connection reset")))
	if !errors.Is(err, ErrClientIO) {
		t.Fatalf("expected client i/o error, got %v", err)
	}
}

func TestFramerDataWithEOF(t *testing.T) {
	lf := newLineFramer(16)

	// a reader that returns the last bytes together with io.EOF
	r := iotest.DataErrReader(bytes.NewReader([]byte("LIST\n")))

	line, err := lf.readLine(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "LIST\n" {
		t.Errorf("got %q", line)
	}

	if _, err = lf.readLine(r); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}
