//go:build windows

package keystroke

// vkKeymap maps Win32 virtual-key codes to keys.
var vkKeymap = map[uint32]Key{
	0x08: KeyBackspace,
	0x09: KeyTab,
	0x0D: KeyReturn,
	0x13: KeyPause,
	0x14: KeyCapsLock,
	0x1B: KeyEscape,
	0x20: KeySpace,
	0x21: KeyPageUp,
	0x22: KeyPageDown,
	0x23: KeyEnd,
	0x24: KeyHome,
	0x25: KeyLeftArrow,
	0x26: KeyUpArrow,
	0x27: KeyRightArrow,
	0x28: KeyDownArrow,
	0x2C: KeyPrintScreen,
	0x2D: KeyInsert,
	0x2E: KeyDelete,
	0x5B: KeyMetaLeft,
	0x5C: KeyMetaRight,
	0x60: KeyKp0,
	0x61: KeyKp1,
	0x62: KeyKp2,
	0x63: KeyKp3,
	0x64: KeyKp4,
	0x65: KeyKp5,
	0x66: KeyKp6,
	0x67: KeyKp7,
	0x68: KeyKp8,
	0x69: KeyKp9,
	0x6A: KeyKpMultiply,
	0x6B: KeyKpPlus,
	0x6D: KeyKpMinus,
	0x6E: KeyKpDelete,
	0x6F: KeyKpDivide,
	0x90: KeyNumLock,
	0x91: KeyScrollLock,
	0xA0: KeyShiftLeft,
	0xA1: KeyShiftRight,
	0xA2: KeyControlLeft,
	0xA3: KeyControlRight,
	0xA4: KeyAlt,
	0xA5: KeyAltGr,
	0xBA: KeySemiColon,
	0xBB: KeyEqual,
	0xBC: KeyComma,
	0xBD: KeyMinus,
	0xBE: KeyDot,
	0xBF: KeySlash,
	0xC0: KeyBackQuote,
	0xDB: KeyLeftBracket,
	0xDC: KeyBackSlash,
	0xDD: KeyRightBracket,
	0xDE: KeyQuote,
	0xE2: KeyIntlBackslash,
}

func init() {
	for i := uint32(0); i < 10; i++ {
		vkKeymap[0x30+i] = KeyNum0 + Key(i)
	}
	for i := uint32(0); i < 26; i++ {
		vkKeymap[0x41+i] = KeyA + Key(i)
	}
	for i := uint32(0); i < 12; i++ {
		vkKeymap[0x70+i] = KeyF1 + Key(i)
	}
}
