package controller

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameReaderReadExact(t *testing.T) {
	fr := newFrameReader(bytes.NewReader([]byte("hello world")))
	got, err := fr.readExact(5)
	if err != nil {
		t.Fatalf("readExact: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	rest, err := fr.readExact(6)
	if err != nil {
		t.Fatalf("readExact: %v", err)
	}
	if string(rest) != " world" {
		t.Fatalf("got %q, want %q", rest, " world")
	}
}

func TestFrameReaderShortReadErrors(t *testing.T) {
	fr := newFrameReader(bytes.NewReader([]byte("ab")))
	if _, err := fr.readExact(5); err == nil {
		t.Fatal("expected an error reading past the end of the stream")
	}
}

func TestFrameReaderReadByte(t *testing.T) {
	fr := newFrameReader(bytes.NewReader([]byte{0x2a}))
	b, err := fr.readByte()
	if err != nil {
		t.Fatalf("readByte: %v", err)
	}
	if b != 0x2a {
		t.Fatalf("got %x, want 0x2a", b)
	}
	if _, err := fr.readByte(); err != io.EOF && err != io.ErrUnexpectedEOF {
		t.Fatalf("expected EOF on exhausted reader, got %v", err)
	}
}
