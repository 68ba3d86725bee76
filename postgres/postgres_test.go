package postgres

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/shogotsuneto/go-simple-shardreader"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple", input: "stream_records", expected: `"stream_records"`},
		{name: "mixed case", input: "StreamRecords", expected: `"StreamRecords"`},
		{name: "embedded quote", input: `my"table`, expected: `"my""table"`},
		{name: "injection attempt", input: `x"; DROP TABLE y; --`, expected: `"x""; DROP TABLE y; --"`},
		{name: "empty", input: "", expected: `""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quoteIdentifier(tt.input); got != tt.expected {
				t.Errorf("quoteIdentifier(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no rate limit", mutate: func(c *Config) { c.RequestsPerSecond = 0 }},
		{name: "empty record table", mutate: func(c *Config) { c.TableName = "" }, wantErr: "table name must not be empty"},
		{name: "empty shard table", mutate: func(c *Config) { c.ShardTableName = "" }, wantErr: "table name must not be empty"},
		{name: "negative rate", mutate: func(c *Config) { c.RequestsPerSecond = -1 }, wantErr: "requests per second must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("postgres://localhost/test")
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Expected error %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewStreamProxy_InvalidConfig(t *testing.T) {
	// Validation runs before any connection attempt
	_, err := NewStreamProxy(Config{ConnectionString: "postgres://invalid"})
	if err == nil || !strings.Contains(err.Error(), "table name") {
		t.Errorf("Expected table name error, got %v", err)
	}

	_, err = NewProducer(Config{ConnectionString: "postgres://invalid", TableName: "r"})
	if err == nil || !strings.Contains(err.Error(), "table name") {
		t.Errorf("Expected table name error, got %v", err)
	}
}

func TestShardIterator_Encode(t *testing.T) {
	it := shardIterator{streamID: "orders.v1", shardID: "shardId-000000000001", afterID: 42}

	decoded, err := decodeIterator(it.encode())
	if err != nil {
		t.Fatalf("Failed to decode iterator: %v", err)
	}
	if decoded != it {
		t.Errorf("Expected %+v, got %+v", it, decoded)
	}
}

func TestDecodeIterator_Malformed(t *testing.T) {
	valid := shardIterator{streamID: "s", shardID: "a", afterID: 1}.encode()
	parts := strings.Split(valid, ".")

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "wrong version", token: strings.Join(append([]string{"v0"}, parts[1:]...), ".")},
		{name: "missing part", token: strings.Join(parts[:3], ".")},
		{name: "bad stream encoding", token: strings.Join([]string{parts[0], "!!", parts[2], parts[3]}, ".")},
		{name: "bad position", token: strings.Join([]string{parts[0], parts[1], parts[2], "x"}, ".")},
		{name: "negative position", token: strings.Join([]string{parts[0], parts[1], parts[2], "-5"}, ".")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeIterator(tt.token)
			if !errors.Is(err, shardreader.ErrExpiredIterator) {
				t.Errorf("Expected ErrExpiredIterator, got %v", err)
			}
		})
	}
}

func TestSequenceNumbers(t *testing.T) {
	if got := formatSequence(42); got != "00000000000000000042" {
		t.Errorf("Unexpected sequence number %s", got)
	}
	// Lexical order matches numeric order
	if !(formatSequence(9) < formatSequence(10)) {
		t.Error("Sequence numbers must sort numerically")
	}

	id, err := parseSequence(formatSequence(1234))
	if err != nil || id != 1234 {
		t.Errorf("Expected 1234, got %d (%v)", id, err)
	}

	for _, bad := range []string{"", "abc", "-1"} {
		if _, err := parseSequence(bad); !errors.Is(err, shardreader.ErrInvalidStartingPosition) {
			t.Errorf("parseSequence(%q): expected ErrInvalidStartingPosition, got %v", bad, err)
		}
	}
}

func TestPayloadEncoding(t *testing.T) {
	data := bytes.Repeat([]byte("order-created "), 64)

	raw, enc := encodePayload(data, false)
	if enc != encodingNone || !bytes.Equal(raw, data) {
		t.Errorf("Expected uncompressed payload, got encoding %s", enc)
	}

	compressed, enc := encodePayload(data, true)
	if enc != encodingZstd {
		t.Fatalf("Expected zstd encoding, got %s", enc)
	}
	if len(compressed) >= len(data) {
		t.Errorf("Expected repetitive payload to shrink, %d >= %d", len(compressed), len(data))
	}

	out, err := decodePayload(compressed, enc)
	if err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("Decoded payload differs from input")
	}

	if _, err := decodePayload(data, "gzip"); err == nil {
		t.Error("Expected error for unknown encoding")
	}
	if _, err := decodePayload([]byte("not zstd"), encodingZstd); err == nil {
		t.Error("Expected error for corrupt zstd payload")
	}
}

func TestStreamProxy_Limiter(t *testing.T) {
	p := newStreamProxy(&pgClient{}, Config{RequestsPerSecond: 5})

	a := p.limiter("s", "a")
	if a != p.limiter("s", "a") {
		t.Error("Expected the same limiter for the same shard")
	}
	if a == p.limiter("s", "b") {
		t.Error("Expected a separate limiter per shard")
	}
	if a.Limit() != 5 || a.Burst() != 1 {
		t.Errorf("Expected 5 req/s with burst 1, got %v/%d", a.Limit(), a.Burst())
	}

	unlimited := newStreamProxy(&pgClient{}, Config{})
	if !unlimited.limiter("s", "a").Allow() || !unlimited.limiter("s", "a").Allow() {
		t.Error("Expected no limit when RequestsPerSecond is zero")
	}
}
