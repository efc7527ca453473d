package keystroke

import "fmt"

// Key identifies a physical key independent of platform scan codes.
// Codes the keymaps do not know are kept as UnknownKey(raw) so their
// pressed state can still be tracked.
type Key uint32

const unknownFlag Key = 1 << 31

// UnknownKey wraps a raw platform code that has no named Key.
func UnknownKey(raw uint32) Key {
	return unknownFlag | Key(raw)&^unknownFlag
}

// IsUnknown reports whether k wraps a raw platform code.
func (k Key) IsUnknown() bool {
	return k&unknownFlag != 0
}

// Raw returns the platform code wrapped by an unknown key.
func (k Key) Raw() uint32 {
	return uint32(k &^ unknownFlag)
}

const (
	KeyNone Key = iota

	// Modifiers.
	KeyMetaLeft
	KeyMetaRight
	KeyControlLeft
	KeyControlRight
	KeyAlt
	KeyAltGr
	KeyShiftLeft
	KeyShiftRight

	KeyA
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF
	KeyG
	KeyH
	KeyI
	KeyJ
	KeyK
	KeyL
	KeyM
	KeyN
	KeyO
	KeyP
	KeyQ
	KeyR
	KeyS
	KeyT
	KeyU
	KeyV
	KeyW
	KeyX
	KeyY
	KeyZ

	KeyNum0
	KeyNum1
	KeyNum2
	KeyNum3
	KeyNum4
	KeyNum5
	KeyNum6
	KeyNum7
	KeyNum8
	KeyNum9

	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12

	KeyReturn
	KeySpace
	KeyTab
	KeyEscape
	KeyBackspace
	KeyCapsLock
	KeyDelete
	KeyInsert
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyUpArrow
	KeyDownArrow
	KeyLeftArrow
	KeyRightArrow
	KeyPrintScreen
	KeyScrollLock
	KeyPause
	KeyNumLock
	KeyFunction

	KeyBackQuote
	KeyMinus
	KeyEqual
	KeyLeftBracket
	KeyRightBracket
	KeySemiColon
	KeyQuote
	KeyBackSlash
	KeyIntlBackslash
	KeyComma
	KeyDot
	KeySlash

	KeyKpReturn
	KeyKpMinus
	KeyKpPlus
	KeyKpMultiply
	KeyKpDivide
	KeyKpDelete
	KeyKp0
	KeyKp1
	KeyKp2
	KeyKp3
	KeyKp4
	KeyKp5
	KeyKp6
	KeyKp7
	KeyKp8
	KeyKp9

	keyCount
)

// Modifiers in the order they appear in a combination string.
var Modifiers = [...]Key{
	KeyMetaLeft,
	KeyMetaRight,
	KeyControlLeft,
	KeyControlRight,
	KeyAlt,
	KeyAltGr,
	KeyShiftLeft,
	KeyShiftRight,
}

// IsModifier reports whether k is one of Modifiers.
func (k Key) IsModifier() bool {
	return k >= KeyMetaLeft && k <= KeyShiftRight
}

// UnknownName is the display name of keys without a mapping.
const UnknownName = "Unknown"

var keyNames = [keyCount]string{
	KeyMetaLeft:     "LMeta",
	KeyMetaRight:    "RMeta",
	KeyControlLeft:  "LCtrl",
	KeyControlRight: "RCtrl",
	KeyAlt:          "Alt",
	KeyAltGr:        "AltGr",
	KeyShiftLeft:    "LShft",
	KeyShiftRight:   "RShft",

	KeyReturn:      "Return",
	KeySpace:       "Space",
	KeyTab:         "Tab",
	KeyEscape:      "Escape",
	KeyBackspace:   "Backspace",
	KeyCapsLock:    "CapsLock",
	KeyDelete:      "Del",
	KeyInsert:      "Insert",
	KeyHome:        "Home",
	KeyEnd:         "End",
	KeyPageUp:      "PgUp",
	KeyPageDown:    "PgDown",
	KeyUpArrow:     "UpArrow",
	KeyDownArrow:   "DownArrow",
	KeyLeftArrow:   "LeftArrow",
	KeyRightArrow:  "RightArrow",
	KeyPrintScreen: "PrintScreen",
	KeyScrollLock:  "ScrollLock",
	KeyPause:       "Pause",
	KeyNumLock:     "NumLock",
	KeyFunction:    "Function",

	KeyBackQuote:     "`",
	KeyMinus:         "-",
	KeyEqual:         "=",
	KeyLeftBracket:   "(",
	KeyRightBracket:  ")",
	KeySemiColon:     ";",
	KeyQuote:         `"`,
	KeyBackSlash:     `\`,
	KeyIntlBackslash: `\`,
	KeyComma:         ",",
	KeyDot:           ".",
	KeySlash:         "/",

	KeyKpReturn:   "KpReturn",
	KeyKpMinus:    "KpMinus",
	KeyKpPlus:     "KpPlus",
	KeyKpMultiply: "KpMultiply",
	KeyKpDivide:   "KpDivide",
	KeyKpDelete:   "KpDelete",
}

func init() {
	for k := KeyA; k <= KeyZ; k++ {
		keyNames[k] = string(rune('A' + int(k-KeyA)))
	}
	for k := KeyNum0; k <= KeyNum9; k++ {
		keyNames[k] = string(rune('0' + int(k-KeyNum0)))
	}
	for k := KeyKp0; k <= KeyKp9; k++ {
		keyNames[k] = fmt.Sprintf("Kp%d", int(k-KeyKp0))
	}
	for k := KeyF1; k <= KeyF12; k++ {
		keyNames[k] = fmt.Sprintf("F%d", int(k-KeyF1)+1)
	}
}

// String returns the canonical display name of k.
func (k Key) String() string {
	if k.IsUnknown() || k >= keyCount || keyNames[k] == "" {
		return UnknownName
	}
	return keyNames[k]
}

// Named reports whether k has a canonical name and can appear in a
// combination.
func (k Key) Named() bool {
	return !k.IsUnknown() && k > KeyNone && k < keyCount && keyNames[k] != ""
}

// ParseKey returns the key whose canonical name is name. Ambiguous names
// resolve to the first key carrying them.
func ParseKey(name string) (Key, bool) {
	for k := KeyNone + 1; k < keyCount; k++ {
		if keyNames[k] == name {
			return k, true
		}
	}
	return KeyNone, false
}
