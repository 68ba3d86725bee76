package postgres

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/shogotsuneto/go-simple-shardreader"
)

const iteratorVersion = "v1"

// shardIterator is the decoded form of an iterator token. It points just
// after record afterID of one shard.
type shardIterator struct {
	streamID string
	shardID  string
	afterID  int64
}

func (it shardIterator) encode() string {
	return strings.Join([]string{
		iteratorVersion,
		base64.RawURLEncoding.EncodeToString([]byte(it.streamID)),
		base64.RawURLEncoding.EncodeToString([]byte(it.shardID)),
		strconv.FormatInt(it.afterID, 10),
	}, ".")
}

// decodeIterator parses a token produced by encode. Tokens it cannot read are
// reported as expired so readers open a fresh one.
func decodeIterator(token string) (shardIterator, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != iteratorVersion {
		return shardIterator{}, fmt.Errorf("malformed iterator: %w", shardreader.ErrExpiredIterator)
	}
	stream, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return shardIterator{}, fmt.Errorf("malformed iterator stream: %w", shardreader.ErrExpiredIterator)
	}
	shard, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return shardIterator{}, fmt.Errorf("malformed iterator shard: %w", shardreader.ErrExpiredIterator)
	}
	afterID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || afterID < 0 {
		return shardIterator{}, fmt.Errorf("malformed iterator position: %w", shardreader.ErrExpiredIterator)
	}
	return shardIterator{streamID: string(stream), shardID: string(shard), afterID: afterID}, nil
}

// formatSequence renders a row id as a sequence number. Zero padding keeps
// lexical and numeric order the same.
func formatSequence(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func parseSequence(seq string) (int64, error) {
	id, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("sequence number %q: %w", seq, shardreader.ErrInvalidStartingPosition)
	}
	return id, nil
}
