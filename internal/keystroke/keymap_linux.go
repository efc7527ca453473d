//go:build linux

package keystroke

// evdevKeymap maps linux/input-event-codes.h KEY_* codes to keys.
var evdevKeymap = map[uint16]Key{
	1:   KeyEscape,
	2:   KeyNum1,
	3:   KeyNum2,
	4:   KeyNum3,
	5:   KeyNum4,
	6:   KeyNum5,
	7:   KeyNum6,
	8:   KeyNum7,
	9:   KeyNum8,
	10:  KeyNum9,
	11:  KeyNum0,
	12:  KeyMinus,
	13:  KeyEqual,
	14:  KeyBackspace,
	15:  KeyTab,
	16:  KeyQ,
	17:  KeyW,
	18:  KeyE,
	19:  KeyR,
	20:  KeyT,
	21:  KeyY,
	22:  KeyU,
	23:  KeyI,
	24:  KeyO,
	25:  KeyP,
	26:  KeyLeftBracket,
	27:  KeyRightBracket,
	28:  KeyReturn,
	29:  KeyControlLeft,
	30:  KeyA,
	31:  KeyS,
	32:  KeyD,
	33:  KeyF,
	34:  KeyG,
	35:  KeyH,
	36:  KeyJ,
	37:  KeyK,
	38:  KeyL,
	39:  KeySemiColon,
	40:  KeyQuote,
	41:  KeyBackQuote,
	42:  KeyShiftLeft,
	43:  KeyBackSlash,
	44:  KeyZ,
	45:  KeyX,
	46:  KeyC,
	47:  KeyV,
	48:  KeyB,
	49:  KeyN,
	50:  KeyM,
	51:  KeyComma,
	52:  KeyDot,
	53:  KeySlash,
	54:  KeyShiftRight,
	55:  KeyKpMultiply,
	56:  KeyAlt,
	57:  KeySpace,
	58:  KeyCapsLock,
	59:  KeyF1,
	60:  KeyF2,
	61:  KeyF3,
	62:  KeyF4,
	63:  KeyF5,
	64:  KeyF6,
	65:  KeyF7,
	66:  KeyF8,
	67:  KeyF9,
	68:  KeyF10,
	69:  KeyNumLock,
	70:  KeyScrollLock,
	71:  KeyKp7,
	72:  KeyKp8,
	73:  KeyKp9,
	74:  KeyKpMinus,
	75:  KeyKp4,
	76:  KeyKp5,
	77:  KeyKp6,
	78:  KeyKpPlus,
	79:  KeyKp1,
	80:  KeyKp2,
	81:  KeyKp3,
	82:  KeyKp0,
	83:  KeyKpDelete,
	86:  KeyIntlBackslash,
	87:  KeyF11,
	88:  KeyF12,
	96:  KeyKpReturn,
	97:  KeyControlRight,
	98:  KeyKpDivide,
	99:  KeyPrintScreen,
	100: KeyAltGr,
	102: KeyHome,
	103: KeyUpArrow,
	104: KeyPageUp,
	105: KeyLeftArrow,
	106: KeyRightArrow,
	107: KeyEnd,
	108: KeyDownArrow,
	109: KeyPageDown,
	110: KeyInsert,
	111: KeyDelete,
	119: KeyPause,
	125: KeyMetaLeft,
	126: KeyMetaRight,
	464: KeyFunction,
}
