// Package dice implements formula parsing, cryptographically strong rolls and
// tamper-evident roll signatures for the game master's roll tool.
package dice

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrBadFormula indicates input that does not match "<count>d<sides>[+|-mod]".
var ErrBadFormula = errors.New("formula must look like <count>d<sides> with an optional +/- modifier")

// ErrCountOutOfRange indicates a dice count outside 1-100.
var ErrCountOutOfRange = errors.New("dice count must be between 1 and 100")

// ErrSidesOutOfRange indicates a sides value outside 2-100.
var ErrSidesOutOfRange = errors.New("dice sides must be between 2 and 100")

// Formula is a parsed roll expression.
type Formula struct {
	Count    int
	Sides    int
	Modifier int
}

func (f Formula) String() string {
	switch {
	case f.Modifier > 0:
		return fmt.Sprintf("%dd%d+%d", f.Count, f.Sides, f.Modifier)
	case f.Modifier < 0:
		return fmt.Sprintf("%dd%d%d", f.Count, f.Sides, f.Modifier)
	default:
		return fmt.Sprintf("%dd%d", f.Count, f.Sides)
	}
}

var formulaRe = regexp.MustCompile(`^(\d+)\s*[dD]\s*(\d+)(?:\s*([+-])\s*(\d+))?$`)

// ParseFormula parses notation like "3d6", "1d20+5" or "2d8 - 1". Parsing is
// case-insensitive and tolerates surrounding and interior whitespace around
// the modifier.
func ParseFormula(raw string) (Formula, error) {
	m := formulaRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Formula{}, fmt.Errorf("%w: %q", ErrBadFormula, raw)
	}
	count, err := strconv.Atoi(m[1])
	if err != nil {
		return Formula{}, fmt.Errorf("%w: %q", ErrBadFormula, raw)
	}
	sides, err := strconv.Atoi(m[2])
	if err != nil {
		return Formula{}, fmt.Errorf("%w: %q", ErrBadFormula, raw)
	}
	if count < 1 || count > 100 {
		return Formula{}, fmt.Errorf("%w: got %d", ErrCountOutOfRange, count)
	}
	if sides < 2 || sides > 100 {
		return Formula{}, fmt.Errorf("%w: got %d", ErrSidesOutOfRange, sides)
	}
	modifier := 0
	if m[3] != "" {
		modifier, err = strconv.Atoi(m[4])
		if err != nil {
			return Formula{}, fmt.Errorf("%w: %q", ErrBadFormula, raw)
		}
		if m[3] == "-" {
			modifier = -modifier
		}
	}
	return Formula{Count: count, Sides: sides, Modifier: modifier}, nil
}

// Result captures one executed roll.
type Result struct {
	Formula   string    `json:"formula"`
	Rolls     []int     `json:"rolls"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

// Roller rolls dice and signs the outcomes with a server-held key.
// Rolls come from crypto/rand so outcomes cannot be predicted or replayed
// from a seed.
type Roller struct {
	signingKey []byte
}

// NewRoller builds a Roller around the given signing key.
func NewRoller(signingKey []byte) *Roller {
	return &Roller{signingKey: signingKey}
}

// Roll parses and executes a formula, returning the individual rolls, the
// modified total and an HMAC signature over the outcome.
func (r *Roller) Roll(rawFormula string) (Result, error) {
	f, err := ParseFormula(rawFormula)
	if err != nil {
		return Result{}, err
	}

	rolls := make([]int, f.Count)
	total := f.Modifier
	max := big.NewInt(int64(f.Sides))
	for i := 0; i < f.Count; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return Result{}, fmt.Errorf("reading randomness: %w", err)
		}
		rolls[i] = int(n.Int64()) + 1
		total += rolls[i]
	}

	res := Result{
		Formula:   f.String(),
		Rolls:     rolls,
		Total:     total,
		Timestamp: time.Now().UTC(),
	}
	res.Signature = r.sign(res)
	return res, nil
}

// sign computes an HMAC-SHA256 over the canonical roll outcome. The signature
// is an audit artifact; Verify allows a downstream consumer holding the same
// key to check it.
func (r *Roller) sign(res Result) string {
	mac := hmac.New(sha256.New, r.signingKey)
	payload, _ := json.Marshal(struct {
		Formula   string `json:"formula"`
		Rolls     []int  `json:"rolls"`
		Total     int    `json:"total"`
		Timestamp int64  `json:"timestamp"`
	}{res.Formula, res.Rolls, res.Total, res.Timestamp.UnixNano()})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the result's signature matches its contents.
func (r *Roller) Verify(res Result) bool {
	return hmac.Equal([]byte(r.sign(res)), []byte(res.Signature))
}
