package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Hash returns the content hash of raw source bytes. Text content is
// normalised first (BOM, line endings, Unicode NFC, trailing whitespace) so
// the same statute fetched from different sources hashes identically. Binary
// content is hashed as is.
func Hash(raw []byte) string {
	sum := sha256.Sum256(Normalize(raw))
	return hex.EncodeToString(sum[:])
}

// Normalize returns the canonical form of raw that Hash digests.
func Normalize(raw []byte) []byte {
	if !utf8.Valid(raw) {
		return raw
	}
	b := bytes.TrimPrefix(raw, bom)
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	b = norm.NFC.Bytes(b)

	lines := bytes.Split(b, []byte("\n"))
	for i, l := range lines {
		lines[i] = bytes.TrimRight(l, " \t ")
	}
	return bytes.TrimSpace(bytes.Join(lines, []byte("\n")))
}

// SourceKey is the ledger key for a source whose content could not be read,
// so fetch failures still reach the retry list.
func SourceKey(sourceID string) string {
	return "source:" + sourceID
}
