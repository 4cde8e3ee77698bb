package ids

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"time"
)

const (
	// SuffixLength is the number of random characters appended to the time prefix.
	SuffixLength = 10

	// ChannelNameLength is the length of generated channel names.
	ChannelNameLength = 32

	timeLayout = "2006-01-02T15:04:05.000Z"
)

// Alphabet is base64 (RFC 4648) without '-' and '_'.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var nonWord = regexp.MustCompile(`[^\w]`)

// New returns a time-prefixed, lexicographically sortable identifier. The
// prefix is the current wall-clock millisecond; IDs created in the same
// millisecond are ordered by their random suffix.
func New() string {
	return NewAt(time.Now())
}

// NewAt builds an identifier for the given instant. IDs generated at a later
// millisecond always sort after IDs generated earlier.
func NewAt(t time.Time) string {
	return Prefix(t) + RandomString(SuffixLength)
}

// Prefix returns the time prefix New would produce for t. Useful as a "since"
// cursor that selects everything created after t.
func Prefix(t time.Time) string {
	return nonWord.ReplaceAllString(t.UTC().Format(timeLayout), "")
}

// NewChannel returns a fresh random channel name.
func NewChannel() string {
	return RandomString(ChannelNameLength)
}

// RandomString returns n characters drawn uniformly from Alphabet using crypto/rand.
func RandomString(n int) string {
	max := big.NewInt(int64(len(Alphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic("ids: reading random source: " + err.Error())
		}
		out[i] = Alphabet[v.Int64()]
	}
	return string(out)
}

// Valid reports whether id has the shape produced by New.
func Valid(id string) bool {
	return idPattern.MatchString(id)
}

var idPattern = regexp.MustCompile(`^\d{8}T\d{9}Z[A-Za-z0-9]{10}$`)
