// Package keymap translates between the wire protocol's canonical USB-HID
// usage codes (carried in KeyEvent.HIDCode) and each platform's native
// keycode space: Windows virtual-key codes, X11 keysyms, macOS CGKeyCodes,
// and DOM UI Events "code" strings.
//
// The table-plus-lookup-function shape follows the teacher's vk_evdev.go
// (a single map literal keyed by source code, looked up by a thin wrapper
// function that returns the zero value on a miss instead of erroring), with
// one extra indirection: HID usage code is the hub all four platform spaces
// map through, rather than mapping VK directly to evdev.
package keymap

// entry ties one physical key's representation across every platform space
// this package understands. Only keys present in keyEntries round-trip;
// everything else resolves to the zero value, matching the teacher's
// "return 0 if no mapping exists" convention in VKToEvdev.
type entry struct {
	hid      uint16
	vk       uint16
	x11      uint32
	macCG    uint8
	domCode  string
}

// keyEntries is the canonical table every lookup map below is built from.
// HID usage codes are USB HID Usage Page 0x07 (Keyboard/Keypad) values.
var keyEntries = []entry{
	{hid: 0x04, vk: 0x41, x11: 0x0061, macCG: 0x00, domCode: "KeyA"},
	{hid: 0x05, vk: 0x42, x11: 0x0062, macCG: 0x0B, domCode: "KeyB"},
	{hid: 0x06, vk: 0x43, x11: 0x0063, macCG: 0x08, domCode: "KeyC"},
	{hid: 0x07, vk: 0x44, x11: 0x0064, macCG: 0x02, domCode: "KeyD"},
	{hid: 0x08, vk: 0x45, x11: 0x0065, macCG: 0x0E, domCode: "KeyE"},
	{hid: 0x09, vk: 0x46, x11: 0x0066, macCG: 0x03, domCode: "KeyF"},
	{hid: 0x0A, vk: 0x47, x11: 0x0067, macCG: 0x05, domCode: "KeyG"},
	{hid: 0x0B, vk: 0x48, x11: 0x0068, macCG: 0x04, domCode: "KeyH"},
	{hid: 0x0C, vk: 0x49, x11: 0x0069, macCG: 0x22, domCode: "KeyI"},
	{hid: 0x0D, vk: 0x4A, x11: 0x006A, macCG: 0x26, domCode: "KeyJ"},
	{hid: 0x0E, vk: 0x4B, x11: 0x006B, macCG: 0x28, domCode: "KeyK"},
	{hid: 0x0F, vk: 0x4C, x11: 0x006C, macCG: 0x25, domCode: "KeyL"},
	{hid: 0x10, vk: 0x4D, x11: 0x006D, macCG: 0x2E, domCode: "KeyM"},
	{hid: 0x11, vk: 0x4E, x11: 0x006E, macCG: 0x2D, domCode: "KeyN"},
	{hid: 0x12, vk: 0x4F, x11: 0x006F, macCG: 0x1F, domCode: "KeyO"},
	{hid: 0x13, vk: 0x50, x11: 0x0070, macCG: 0x23, domCode: "KeyP"},
	{hid: 0x14, vk: 0x51, x11: 0x0071, macCG: 0x0C, domCode: "KeyQ"},
	{hid: 0x15, vk: 0x52, x11: 0x0072, macCG: 0x0F, domCode: "KeyR"},
	{hid: 0x16, vk: 0x53, x11: 0x0073, macCG: 0x01, domCode: "KeyS"},
	{hid: 0x17, vk: 0x54, x11: 0x0074, macCG: 0x11, domCode: "KeyT"},
	{hid: 0x18, vk: 0x55, x11: 0x0075, macCG: 0x20, domCode: "KeyU"},
	{hid: 0x19, vk: 0x56, x11: 0x0076, macCG: 0x09, domCode: "KeyV"},
	{hid: 0x1A, vk: 0x57, x11: 0x0077, macCG: 0x0D, domCode: "KeyW"},
	{hid: 0x1B, vk: 0x58, x11: 0x0078, macCG: 0x07, domCode: "KeyX"},
	{hid: 0x1C, vk: 0x59, x11: 0x0079, macCG: 0x10, domCode: "KeyY"},
	{hid: 0x1D, vk: 0x5A, x11: 0x007A, macCG: 0x06, domCode: "KeyZ"},

	{hid: 0x1E, vk: 0x31, x11: 0x0031, macCG: 0x12, domCode: "Digit1"},
	{hid: 0x1F, vk: 0x32, x11: 0x0032, macCG: 0x13, domCode: "Digit2"},
	{hid: 0x20, vk: 0x33, x11: 0x0033, macCG: 0x14, domCode: "Digit3"},
	{hid: 0x21, vk: 0x34, x11: 0x0034, macCG: 0x15, domCode: "Digit4"},
	{hid: 0x22, vk: 0x35, x11: 0x0035, macCG: 0x17, domCode: "Digit5"},
	{hid: 0x23, vk: 0x36, x11: 0x0036, macCG: 0x16, domCode: "Digit6"},
	{hid: 0x24, vk: 0x37, x11: 0x0037, macCG: 0x1A, domCode: "Digit7"},
	{hid: 0x25, vk: 0x38, x11: 0x0038, macCG: 0x1C, domCode: "Digit8"},
	{hid: 0x26, vk: 0x39, x11: 0x0039, macCG: 0x19, domCode: "Digit9"},
	{hid: 0x27, vk: 0x30, x11: 0x0030, macCG: 0x1D, domCode: "Digit0"},

	{hid: 0x28, vk: 0x0D, x11: 0xFF0D, macCG: 0x24, domCode: "Enter"},
	{hid: 0x29, vk: 0x1B, x11: 0xFF1B, macCG: 0x35, domCode: "Escape"},
	{hid: 0x2A, vk: 0x08, x11: 0xFF08, macCG: 0x33, domCode: "Backspace"},
	{hid: 0x2B, vk: 0x09, x11: 0xFF09, macCG: 0x30, domCode: "Tab"},
	{hid: 0x2C, vk: 0x20, x11: 0x0020, macCG: 0x31, domCode: "Space"},
	{hid: 0x2D, vk: 0xBD, x11: 0x002D, macCG: 0x1B, domCode: "Minus"},
	{hid: 0x2E, vk: 0xBB, x11: 0x003D, macCG: 0x18, domCode: "Equal"},
	{hid: 0x2F, vk: 0xDB, x11: 0x005B, macCG: 0x21, domCode: "BracketLeft"},
	{hid: 0x30, vk: 0xDD, x11: 0x005D, macCG: 0x1E, domCode: "BracketRight"},
	{hid: 0x31, vk: 0xDC, x11: 0x005C, macCG: 0x2A, domCode: "Backslash"},
	{hid: 0x33, vk: 0xBA, x11: 0x003B, macCG: 0x29, domCode: "Semicolon"},
	{hid: 0x34, vk: 0xDE, x11: 0x0027, macCG: 0x27, domCode: "Quote"},
	{hid: 0x35, vk: 0xC0, x11: 0x0060, macCG: 0x32, domCode: "Backquote"},
	{hid: 0x36, vk: 0xBC, x11: 0x002C, macCG: 0x2B, domCode: "Comma"},
	{hid: 0x37, vk: 0xBE, x11: 0x002E, macCG: 0x2F, domCode: "Period"},
	{hid: 0x38, vk: 0xBF, x11: 0x002F, macCG: 0x2C, domCode: "Slash"},
	{hid: 0x39, vk: 0x14, x11: 0xFFE5, macCG: 0x39, domCode: "CapsLock"},

	{hid: 0x3A, vk: 0x70, x11: 0xFFBE, macCG: 0x7A, domCode: "F1"},
	{hid: 0x3B, vk: 0x71, x11: 0xFFBF, macCG: 0x78, domCode: "F2"},
	{hid: 0x3C, vk: 0x72, x11: 0xFFC0, macCG: 0x63, domCode: "F3"},
	{hid: 0x3D, vk: 0x73, x11: 0xFFC1, macCG: 0x76, domCode: "F4"},
	{hid: 0x3E, vk: 0x74, x11: 0xFFC2, macCG: 0x60, domCode: "F5"},
	{hid: 0x3F, vk: 0x75, x11: 0xFFC3, macCG: 0x61, domCode: "F6"},
	{hid: 0x40, vk: 0x76, x11: 0xFFC4, macCG: 0x62, domCode: "F7"},
	{hid: 0x41, vk: 0x77, x11: 0xFFC5, macCG: 0x64, domCode: "F8"},
	{hid: 0x42, vk: 0x78, x11: 0xFFC6, macCG: 0x65, domCode: "F9"},
	{hid: 0x43, vk: 0x79, x11: 0xFFC7, macCG: 0x6D, domCode: "F10"},
	{hid: 0x44, vk: 0x7A, x11: 0xFFC8, macCG: 0x67, domCode: "F11"},
	{hid: 0x45, vk: 0x7B, x11: 0xFFC9, macCG: 0x6F, domCode: "F12"},

	{hid: 0x49, vk: 0x2D, x11: 0xFF63, macCG: 0x72, domCode: "Insert"},
	{hid: 0x4A, vk: 0x24, x11: 0xFF50, macCG: 0x73, domCode: "Home"},
	{hid: 0x4B, vk: 0x21, x11: 0xFF55, macCG: 0x74, domCode: "PageUp"},
	{hid: 0x4C, vk: 0x2E, x11: 0xFFFF, macCG: 0x75, domCode: "Delete"},
	{hid: 0x4D, vk: 0x23, x11: 0xFF57, macCG: 0x77, domCode: "End"},
	{hid: 0x4E, vk: 0x22, x11: 0xFF56, macCG: 0x79, domCode: "PageDown"},
	{hid: 0x4F, vk: 0x27, x11: 0xFF53, macCG: 0x7C, domCode: "ArrowRight"},
	{hid: 0x50, vk: 0x25, x11: 0xFF51, macCG: 0x7B, domCode: "ArrowLeft"},
	{hid: 0x51, vk: 0x28, x11: 0xFF54, macCG: 0x7D, domCode: "ArrowDown"},
	{hid: 0x52, vk: 0x26, x11: 0xFF52, macCG: 0x7E, domCode: "ArrowUp"},

	{hid: 0xE0, vk: 0xA2, x11: 0xFFE3, macCG: 0x3B, domCode: "ControlLeft"},
	{hid: 0xE1, vk: 0xA0, x11: 0xFFE1, macCG: 0x38, domCode: "ShiftLeft"},
	{hid: 0xE2, vk: 0xA4, x11: 0xFFE9, macCG: 0x3A, domCode: "AltLeft"},
	{hid: 0xE3, vk: 0x5B, x11: 0xFFEB, macCG: 0x37, domCode: "MetaLeft"},
	{hid: 0xE4, vk: 0xA3, x11: 0xFFE4, macCG: 0x3E, domCode: "ControlRight"},
	{hid: 0xE5, vk: 0xA1, x11: 0xFFE2, macCG: 0x3C, domCode: "ShiftRight"},
	{hid: 0xE6, vk: 0xA5, x11: 0xFFEA, macCG: 0x3D, domCode: "AltRight"},
	{hid: 0xE7, vk: 0x5C, x11: 0xFFEC, macCG: 0x36, domCode: "MetaRight"},
}

var (
	hidToVKTable      map[uint16]uint16
	vkToHIDTable      map[uint16]uint16
	hidToX11Table     map[uint16]uint32
	hidToMacCGTable   map[uint16]uint8
	hidToDOMCodeTable map[uint16]string
)

func init() {
	hidToVKTable = make(map[uint16]uint16, len(keyEntries))
	vkToHIDTable = make(map[uint16]uint16, len(keyEntries))
	hidToX11Table = make(map[uint16]uint32, len(keyEntries))
	hidToMacCGTable = make(map[uint16]uint8, len(keyEntries))
	hidToDOMCodeTable = make(map[uint16]string, len(keyEntries))
	for _, e := range keyEntries {
		hidToVKTable[e.hid] = e.vk
		vkToHIDTable[e.vk] = e.hid
		hidToX11Table[e.hid] = e.x11
		hidToMacCGTable[e.hid] = e.macCG
		hidToDOMCodeTable[e.hid] = e.domCode
	}
}

// VKToHID converts a Windows virtual-key code to its canonical HID usage
// code. Returns 0 if no mapping exists.
func VKToHID(vk uint16) uint16 {
	return vkToHIDTable[vk]
}

// HIDToWindowsVK converts a HID usage code to its Windows virtual-key code.
// Returns 0 if no mapping exists.
func HIDToWindowsVK(hid uint16) uint16 {
	return hidToVKTable[hid]
}

// HIDToX11Keysym converts a HID usage code to its X11 keysym. Returns 0 if
// no mapping exists.
func HIDToX11Keysym(hid uint16) uint32 {
	return hidToX11Table[hid]
}

// HIDToMacCG converts a HID usage code to its macOS CGKeyCode. Returns 0xFF
// (the conventional "no such key" CGKeyCode) if no mapping exists.
func HIDToMacCG(hid uint16) uint8 {
	if v, ok := hidToMacCGTable[hid]; ok {
		return v
	}
	return 0xFF
}

// HIDToDOMCode converts a HID usage code to its DOM UI Events "code" value.
// Returns "" if no mapping exists.
func HIDToDOMCode(hid uint16) string {
	return hidToDOMCodeTable[hid]
}

// Known reports whether hid is present in the table, distinguishing a real
// zero-value mapping from an unmapped code.
func Known(hid uint16) bool {
	_, ok := hidToVKTable[hid]
	return ok
}
