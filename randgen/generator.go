// Package randgen produces test fixtures that are reproducible for a given seed but cannot
// be predicted by a candidate program that does not know the seed.
package randgen

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	// MinPort and MaxPort bound the values returned by Port. They stay clear of the
	// privileged range and of most ephemeral ranges.
	MinPort = 10000
	MaxPort = 30000
)

var words = []string{
	"apple", "banana", "blueberry", "cherry", "grape", "mango", "orange", "pear",
	"pineapple", "raspberry", "strawberry", "watermelon", "dog", "horse", "monkey",
	"owl", "panda", "rabbit", "zebra", "donkey", "yellow", "purple", "violet",
	"orchid", "sunflower", "tulip", "cedar", "maple", "willow", "river",
}

// Generator is a seeded pseudo-random source. It is not safe for concurrent use; each stage
// gets its own.
type Generator struct {
	seed int64
	rnd  *rand.Rand
}

// Seeded returns a Generator whose output sequence is fully determined by seed.
func Seeded(seed int64) *Generator {
	return &Generator{seed: seed, rnd: rand.New(rand.NewSource(seed))}
}

func (g *Generator) Seed() int64 {
	return g.seed
}

// Int returns a value in the half-open range [min, max). If max <= min it returns min.
func (g *Generator) Int(min, max int) int {
	if max <= min {
		return min
	}
	return min + g.rnd.Intn(max-min)
}

// String returns n characters drawn from lowercase letters and digits.
func (g *Generator) String(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[g.rnd.Intn(len(alphabet))]
	}
	return string(b)
}

// Port returns a TCP port number in [MinPort, MaxPort).
func (g *Generator) Port() int {
	return g.Int(MinPort, MaxPort)
}

// Word returns a random dictionary word.
func (g *Generator) Word() string {
	return words[g.rnd.Intn(len(words))]
}

// Words returns n distinct words while the dictionary allows it, then repeats.
func (g *Generator) Words(n int) []string {
	ret := make([]string, 0, n)
	for len(ret) < n {
		for _, i := range g.rnd.Perm(len(words)) {
			if len(ret) == n {
				break
			}
			ret = append(ret, words[i])
		}
	}
	return ret
}

// Sentence joins n random words with spaces.
func (g *Generator) Sentence(n int) string {
	return strings.Join(g.Words(n), " ")
}

func (g *Generator) Perm(n int) []int {
	return g.rnd.Perm(n)
}

func (g *Generator) Shuffle(n int, swap func(i, j int)) {
	g.rnd.Shuffle(n, swap)
}

// StageSeed derives the seed for one stage from the run seed and the stage's ordinal, so
// stages get independent sequences that are still reproducible from the run seed alone.
func StageSeed(runSeed int64, ordinal int) int64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(runSeed))
	binary.BigEndian.PutUint64(buf[8:], uint64(int64(ordinal)))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return int64(h.Sum64())
}

// ParseSeed accepts either a decimal integer or an arbitrary string, which is hashed.
func ParseSeed(s string) int64 {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

// NewSeed returns a seed derived from the current time, for runs that did not specify one.
func NewSeed() int64 {
	return time.Now().UnixNano()
}
