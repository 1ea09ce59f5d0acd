package cryptoutil

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"testing"
)

// flipBit returns h with one bit of the nibble at pos inverted.
func flipBit(h string, pos int, bit uint) string {
	v, _ := strconv.ParseUint(h[pos:pos+1], 16, 8)
	v ^= 1 << bit
	return h[:pos] + strconv.FormatUint(v, 16) + h[pos+1:]
}

// AlgorithmFor

func TestAlgorithmFor(t *testing.T) {
	tests := []struct {
		hash string
		want Algorithm
	}{
		{strings.Repeat("a", 32), MD5},
		{strings.Repeat("a", 40), SHA1},
		{strings.Repeat("a", 31), SHA1},
		{strings.Repeat("a", 64), SHA1},
		{"", SHA1},
	}
	for _, tt := range tests {
		if got := AlgorithmFor(tt.hash); got != tt.want {
			t.Errorf("AlgorithmFor(len %d) = %v, want %v", len(tt.hash), got, tt.want)
		}
	}
}

// Validate

func TestValidate_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data string
		hash string
	}{
		{"md5 hello", "hello", "5d41402abc4b2a76b9719d911017c592"},
		{"md5 empty", "", "d41d8cd98f00b204e9800998ecf8427e"},
		{"sha1 hello", "hello", "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
		{"sha1 upper", "hello", "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !Validate([]byte(tt.data), tt.hash) {
				t.Fatalf("Validate(%q, %s) = false", tt.data, tt.hash)
			}
		})
	}
}

func TestValidate_AnyBuffer(t *testing.T) {
	bufs := [][]byte{
		{},
		{0x00},
		bytes.Repeat([]byte{0x00, 0x66, 0xcc, 0xff}, 1024),
		[]byte("net/minecraftforge/forge/1.20.1-47.2.0/forge-1.20.1-47.2.0-installer.jar"),
	}
	for i, b := range bufs {
		m := md5.Sum(b)
		s := sha1.Sum(b)
		if !Validate(b, hex.EncodeToString(m[:])) {
			t.Errorf("buf %d: md5 digest rejected", i)
		}
		if !Validate(b, hex.EncodeToString(s[:])) {
			t.Errorf("buf %d: sha1 digest rejected", i)
		}
	}
}

func TestValidate_SingleBitMutation(t *testing.T) {
	data := []byte("hello")
	for _, h := range []string{
		"5d41402abc4b2a76b9719d911017c592",
		"aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d",
	} {
		for pos := 0; pos < len(h); pos++ {
			for bit := uint(0); bit < 4; bit++ {
				mut := flipBit(h, pos, bit)
				if Validate(data, mut) {
					t.Fatalf("mutated digest %s accepted", mut)
				}
			}
		}
	}
}

// HashReader

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestHashReader(t *testing.T) {
	got, n, err := HashReader(strings.NewReader("hello"), SHA1)
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if got != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" || n != 5 {
		t.Fatalf("HashReader = %s, %d", got, n)
	}

	if _, _, err := HashReader(failingReader{}, MD5); err == nil {
		t.Fatal("read errors should propagate")
	}
}

// HashEqual

func TestHashEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"abc123", "abc123", true},
		{"ABC123", "abc123", true},
		{"abc123", "abc124", false},
		{"abc", "abc123", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := HashEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("HashEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
