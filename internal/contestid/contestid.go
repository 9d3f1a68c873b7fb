// Package contestid generates sortable contest identifiers: a UUIDv7 in
// Crockford base32 behind a short prefix, e.g. c_01jq3v7n8kx2m4p6r8t0w2y4z6.
package contestid

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

const (
	Prefix   = "c_"
	alphabet = "0123456789abcdefghjkmnpqrstvwxyz"
	encLen   = 26
)

// Generator creates ids from a random source. A nil source uses crypto/rand.
type Generator struct {
	rand io.Reader
}

func NewGenerator(rand io.Reader) *Generator {
	return &Generator{rand: rand}
}

// New returns a fresh contest id.
func New() string {
	return NewGenerator(nil).New()
}

func (g *Generator) New() string {
	var (
		id  uuid.UUID
		err error
	)
	if g.rand != nil {
		id, err = uuid.NewV7FromReader(g.rand)
	} else {
		id, err = uuid.NewV7()
	}
	if err != nil {
		panic("contestid: " + err.Error())
	}
	return Prefix + encode(id)
}

// encode writes the 128 bits as 26 base32 digits, most significant first.
// The leading digit carries only three bits, so it is always 0-7.
func encode(id uuid.UUID) string {
	out := make([]byte, encLen)
	var acc uint32
	bits := 2 // 130 bits of output for 128 of input
	i := 0
	for _, b := range id {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[i] = alphabet[(acc>>uint(bits))&0x1f]
			i++
		}
	}
	return string(out)
}

// Validate reports whether id has the shape produced by New.
func Validate(id string) error {
	body, ok := strings.CutPrefix(id, Prefix)
	if !ok {
		return fmt.Errorf("contest id must start with %q", Prefix)
	}
	if len(body) != encLen {
		return fmt.Errorf("contest id must have %d characters after the prefix, got %d", encLen, len(body))
	}
	if body[0] > '7' {
		return fmt.Errorf("contest id first character must be 0-7, got %c", body[0])
	}
	for i, r := range body {
		if !strings.ContainsRune(alphabet, r) {
			return fmt.Errorf("invalid character %c at position %d", r, i)
		}
	}
	return nil
}
