package main

import (
	"fmt"
	"strings"
)

// maxComboButtons is the widest button vector a ComboId can hold.
const maxComboButtons = 64

// ComboId identifies the full set of pressed buttons. Bit i is button i.
// Width is part of the identity: ids decoded from devices with a different
// button count never compare equal.
type ComboId struct {
	bits  uint64
	width uint8
}

// Decode projects a pressed-button vector onto a ComboId. Buttons beyond
// maxComboButtons are ignored.
func Decode(pressed []bool) ComboId {
	n := len(pressed)
	if n > maxComboButtons {
		n = maxComboButtons
	}
	c := ComboId{width: uint8(n)}
	for i := 0; i < n; i++ {
		if pressed[i] {
			c.bits |= 1 << uint(i)
		}
	}
	return c
}

// IdleCombo is the id with no buttons pressed.
func IdleCombo(width int) ComboId {
	if width > maxComboButtons {
		width = maxComboButtons
	}
	if width < 0 {
		width = 0
	}
	return ComboId{width: uint8(width)}
}

// ParseComboId parses the canonical "0/1 per button, index 0 first" form.
func ParseComboId(s string) (ComboId, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ComboId{}, fmt.Errorf("empty combo")
	}
	if len(s) > maxComboButtons {
		return ComboId{}, fmt.Errorf("combo %q wider than %d buttons", s, maxComboButtons)
	}
	c := ComboId{width: uint8(len(s))}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
		case '1':
			c.bits |= 1 << uint(i)
		default:
			return ComboId{}, fmt.Errorf("combo %q: invalid character %q at %d", s, s[i], i)
		}
	}
	return c, nil
}

func (c ComboId) Width() int { return int(c.width) }

func (c ComboId) IsIdle() bool { return c.bits == 0 }

// Pressed reports whether button i is part of the combo.
func (c ComboId) Pressed(i int) bool {
	if i < 0 || i >= int(c.width) {
		return false
	}
	return c.bits&(1<<uint(i)) != 0
}

// String renders the canonical form, e.g. "00001111000000001".
func (c ComboId) String() string {
	var b strings.Builder
	b.Grow(int(c.width))
	for i := 0; i < int(c.width); i++ {
		if c.bits&(1<<uint(i)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
