package fitsimg

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMissingKey is returned by the typed getters when a keyword is absent.
var ErrMissingKey = errors.New("missing header keyword")

// Card is one header record.
type Card struct {
	Key     string
	Value   any
	Comment string
}

// Header is an ordered set of cards. Keys are case-insensitive and unique,
// except COMMENT and HISTORY which may repeat.
type Header struct {
	cards []Card
	index map[string]int
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{index: make(map[string]int)}
}

func normKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

func isCommentary(key string) bool {
	return key == "COMMENT" || key == "HISTORY" || key == ""
}

// Set adds or replaces a card. An empty comment keeps the existing one.
func (h *Header) Set(key string, value any, comment string) {
	key = normKey(key)
	if isCommentary(key) {
		h.cards = append(h.cards, Card{Key: key, Comment: fmt.Sprint(value)})
		return
	}
	if i, ok := h.index[key]; ok {
		if comment == "" {
			comment = h.cards[i].Comment
		}
		h.cards[i] = Card{Key: key, Value: value, Comment: comment}
		return
	}
	h.index[key] = len(h.cards)
	h.cards = append(h.cards, Card{Key: key, Value: value, Comment: comment})
}

// AddComment appends a COMMENT card.
func (h *Header) AddComment(text string) {
	h.Set("COMMENT", text, "")
}

// Get returns the raw value of key.
func (h *Header) Get(key string) (any, bool) {
	i, ok := h.index[normKey(key)]
	if !ok {
		return nil, false
	}
	return h.cards[i].Value, true
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.index[normKey(key)]
	return ok
}

// Delete removes key if present.
func (h *Header) Delete(key string) {
	key = normKey(key)
	i, ok := h.index[key]
	if !ok {
		return
	}
	h.cards = append(h.cards[:i], h.cards[i+1:]...)
	h.reindex()
}

func (h *Header) reindex() {
	h.index = make(map[string]int, len(h.cards))
	for i, c := range h.cards {
		if !isCommentary(c.Key) {
			h.index[c.Key] = i
		}
	}
}

// Keys lists the non-commentary keys in order.
func (h *Header) Keys() []string {
	keys := make([]string, 0, len(h.index))
	for _, c := range h.cards {
		if !isCommentary(c.Key) {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// Cards returns a copy of all cards in order.
func (h *Header) Cards() []Card {
	return append([]Card(nil), h.cards...)
}

// Comments returns the text of all COMMENT cards.
func (h *Header) Comments() []string {
	var out []string
	for _, c := range h.cards {
		if c.Key == "COMMENT" {
			out = append(out, c.Comment)
		}
	}
	return out
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	out := &Header{cards: append([]Card(nil), h.cards...)}
	out.reindex()
	return out
}

// Float returns key as a float64. Integer and numeric string values convert.
func (h *Header) Float(key string) (float64, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, normKey(key))
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("keyword %s: %w", normKey(key), err)
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("keyword %s: unsupported type %T", normKey(key), v)
}

// Int returns key as an int. Floats with a zero fractional part and
// zero-padded strings convert.
func (h *Header) Int(key string) (int, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, normKey(key))
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case int32:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("keyword %s: %v is not an integer", normKey(key), x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("keyword %s: %w", normKey(key), err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("keyword %s: unsupported type %T", normKey(key), v)
}

// String returns key formatted as a string with surrounding blanks trimmed.
func (h *Header) String(key string) (string, error) {
	v, ok := h.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, normKey(key))
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return fmt.Sprint(v), nil
}

// Bool returns key as a bool.
func (h *Header) Bool(key string) (bool, error) {
	v, ok := h.Get(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingKey, normKey(key))
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case int:
		return x != 0, nil
	}
	return false, fmt.Errorf("keyword %s: unsupported type %T", normKey(key), v)
}

// FloatOr returns key as a float64 or def when absent or unparsable.
func (h *Header) FloatOr(key string, def float64) float64 {
	if f, err := h.Float(key); err == nil {
		return f
	}
	return def
}

// String renders the card as an 80-character header record.
func (c Card) String() string {
	var s string
	switch {
	case isCommentary(c.Key):
		s = fmt.Sprintf("%-8s%s", c.Key, c.Comment)
	default:
		var val string
		switch x := c.Value.(type) {
		case string:
			val = fmt.Sprintf("'%-8s'", strings.ReplaceAll(x, "'", "''"))
			val = fmt.Sprintf("%-20s", val)
		case bool:
			if x {
				val = fmt.Sprintf("%20s", "T")
			} else {
				val = fmt.Sprintf("%20s", "F")
			}
		case float64:
			val = fmt.Sprintf("%20s", strconv.FormatFloat(x, 'G', -1, 64))
		case float32:
			val = fmt.Sprintf("%20s", strconv.FormatFloat(float64(x), 'G', -1, 32))
		default:
			val = fmt.Sprintf("%20v", x)
		}
		s = fmt.Sprintf("%-8s= %s", c.Key, val)
		if c.Comment != "" {
			s += " / " + c.Comment
		}
	}
	if len(s) > 80 {
		return s[:80]
	}
	return fmt.Sprintf("%-80s", s)
}

// HeadText renders the header as the newline separated card list SWarp
// reads from .head files, omitting the given keys.
func (h *Header) HeadText(omit ...string) string {
	skip := make(map[string]bool, len(omit))
	for _, k := range omit {
		skip[normKey(k)] = true
	}
	var b strings.Builder
	for _, c := range h.cards {
		if skip[c.Key] {
			continue
		}
		if _, ok := structural[c.Key]; ok {
			continue
		}
		b.WriteString(c.String())
		b.WriteByte('\n')
	}
	b.WriteString(fmt.Sprintf("%-80s\n", "END"))
	return b.String()
}
